// Package keyderive - versioned stretching of reporter secrets into encryption keys
package keyderive

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/alwitt/harbor/models"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// DerivedKeyLen length in bytes of every derived key
const DerivedKeyLen = 32

// EmbeddedSaltPrefix tag preceding the true salt bytes in salt values stored
// by the embedded-salt legacy scheme
const EmbeddedSaltPrefix = "legacy$"

// ErrKeyDerivation the inputs to key derivation were unusable. Fatal to the
// single operation; never retried.
var ErrKeyDerivation = errors.New("key derivation failed")

// Argon2Params cost parameters for the Argon2id scheme
type Argon2Params struct {
	// Time number of passes over memory
	Time uint32 `validate:"gte=1"`
	// MemoryKiB working set size in KiB
	MemoryKiB uint32 `validate:"gte=8192"`
	// Parallelism number of computation lanes
	Parallelism uint8 `validate:"gte=1"`
}

// PBKDF2Params cost parameters for the PBKDF2-SHA256 schemes
type PBKDF2Params struct {
	// Iterations hash iteration count
	Iterations int `validate:"gte=1000"`
}

// Stretcher turns (reporter secret, per-record salt, scheme) into a
// fixed-length symmetric encryption key.
//
// Every scheme the system ever wrote with stays supported, so records
// persisted under an older scheme remain decryptable after the preferred
// scheme moves on. Dispatch is a closed switch over the scheme ENUM; which
// schemes exist is statically auditable.
type Stretcher interface {
	/*
		PreferredScheme the scheme to use when encrypting new records

			@returns scheme ID
	*/
	PreferredScheme() models.KeyDerivationSchemeENUMType

	/*
		DeriveKey stretch a reporter secret into an encryption key

			@param secret string - reporter supplied secret, must be non-empty
			@param salt []byte - per-record salt as persisted with the record
			@param scheme models.KeyDerivationSchemeENUMType - derivation scheme recorded
			    with the ciphertext
			@returns the derived key of DerivedKeyLen bytes
	*/
	DeriveKey(
		secret string, salt []byte, scheme models.KeyDerivationSchemeENUMType,
	) ([]byte, error)
}

// stretcherImpl implements Stretcher
type stretcherImpl struct {
	argon2Params Argon2Params
	pbkdf2Params PBKDF2Params
}

// StretcherParams key stretcher init parameters
type StretcherParams struct {
	// Argon2 cost parameters for the preferred memory-hard scheme
	Argon2 Argon2Params
	// PBKDF2 cost parameters for the legacy iterated-hash schemes
	PBKDF2 PBKDF2Params
}

/*
DefaultStretcherParams stretcher parameters with production cost defaults

	@returns default parameters
*/
func DefaultStretcherParams() StretcherParams {
	return StretcherParams{
		Argon2: Argon2Params{Time: 1, MemoryKiB: 64 * 1024, Parallelism: 4},
		PBKDF2: PBKDF2Params{Iterations: 100000},
	}
}

/*
NewStretcher define new key stretcher

	@param params StretcherParams - cost parameters
	@returns stretcher instance
*/
func NewStretcher(params StretcherParams) (Stretcher, error) {
	validate := validator.New()
	if err := validate.Struct(&params.Argon2); err != nil {
		return nil, fmt.Errorf("invalid Argon2 cost parameters [%w]", err)
	}
	if err := validate.Struct(&params.PBKDF2); err != nil {
		return nil, fmt.Errorf("invalid PBKDF2 cost parameters [%w]", err)
	}

	return &stretcherImpl{argon2Params: params.Argon2, pbkdf2Params: params.PBKDF2}, nil
}

/*
PreferredScheme the scheme to use when encrypting new records

	@returns scheme ID
*/
func (s *stretcherImpl) PreferredScheme() models.KeyDerivationSchemeENUMType {
	return models.KeyDerivationSchemeArgon2id
}

/*
DeriveKey stretch a reporter secret into an encryption key

	@param secret string - reporter supplied secret, must be non-empty
	@param salt []byte - per-record salt as persisted with the record
	@param scheme models.KeyDerivationSchemeENUMType - derivation scheme recorded
	    with the ciphertext
	@returns the derived key of DerivedKeyLen bytes
*/
func (s *stretcherImpl) DeriveKey(
	secret string, salt []byte, scheme models.KeyDerivationSchemeENUMType,
) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("reporter secret is empty [%w]", ErrKeyDerivation)
	}

	switch scheme {
	case models.KeyDerivationSchemeArgon2id:
		if len(salt) == 0 {
			return nil, fmt.Errorf("scheme '%s' requires a salt [%w]", scheme, ErrKeyDerivation)
		}
		return argon2.IDKey(
			[]byte(secret),
			salt,
			s.argon2Params.Time,
			s.argon2Params.MemoryKiB,
			s.argon2Params.Parallelism,
			DerivedKeyLen,
		), nil

	case models.KeyDerivationSchemePBKDF2:
		if len(salt) == 0 {
			return nil, fmt.Errorf("scheme '%s' requires a salt [%w]", scheme, ErrKeyDerivation)
		}
		return pbkdf2.Key(
			[]byte(secret), salt, s.pbkdf2Params.Iterations, DerivedKeyLen, sha256.New,
		), nil

	case models.KeyDerivationSchemePBKDF2EmbeddedSalt:
		// Historical records carry a tagged salt value. The tag is stripped to
		// recover the true salt; the stored format itself is left untouched.
		if !bytes.HasPrefix(salt, []byte(EmbeddedSaltPrefix)) {
			return nil, fmt.Errorf(
				"scheme '%s' requires a '%s' tagged salt [%w]",
				scheme, EmbeddedSaltPrefix, ErrKeyDerivation,
			)
		}
		trueSalt := salt[len(EmbeddedSaltPrefix):]
		if len(trueSalt) == 0 {
			return nil, fmt.Errorf(
				"scheme '%s' tagged salt carries no salt bytes [%w]", scheme, ErrKeyDerivation,
			)
		}
		return pbkdf2.Key(
			[]byte(secret), trueSalt, s.pbkdf2Params.Iterations, DerivedKeyLen, sha256.New,
		), nil
	}

	return nil, fmt.Errorf("unknown key derivation scheme '%s' [%w]", scheme, ErrKeyDerivation)
}
