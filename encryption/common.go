// Package encryption - record cipher and pepper layer
package encryption

import (
	"context"
	"errors"
	"fmt"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/goutils"
	"github.com/alwitt/harbor/keyderive"
	"github.com/alwitt/harbor/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrEncryption encryption was attempted with malformed inputs (e.g. a key of
// the wrong length). Programmer error, fatal to the operation.
var ErrEncryption = errors.New("encryption failed")

// ErrDecryption ciphertext failed authentication, or the material needed to
// decrypt it is not available. Treated as a corruption or tamper signal;
// surfaced to the caller, never swallowed, never retried.
var ErrDecryption = errors.New("decryption failed")

// recordSaltLen length in bytes of freshly generated per-record salts
const recordSaltLen = 16

/*
CipherEngine the system's cryptography engine. It is solely responsible for
all cryptographic operations in the system.

Two distinct protections exist:

  - Record sealing: authenticated encryption under a key stretched from a
    reporter-supplied secret and a per-record salt. Used for ordinary report
    content and for the inner layer of match claims.
  - Pepper sealing: authenticated encryption under a server-held key which is
    never derived from user input. Applied only on top of match-claim data, so
    a database dump alone cannot expose the matching pool.
*/
type CipherEngine interface {
	/*
		PreferredScheme the key derivation scheme used for new records

			@returns scheme ID
	*/
	PreferredScheme() models.KeyDerivationSchemeENUMType

	/*
		NewRecordSalt generate a fresh random per-record key derivation salt

			@param ctx context.Context - execution context
			@returns new salt
	*/
	NewRecordSalt(ctx context.Context) ([]byte, error)

	/*
		SealRecord encrypt record content under a key stretched from a reporter secret

		The returned blob is self-contained; decryption needs only the secret,
		the salt, and the scheme.

			@param ctx context.Context - execution context
			@param secret string - reporter supplied secret
			@param salt []byte - per-record salt
			@param scheme models.KeyDerivationSchemeENUMType - derivation scheme
			@param plainText []byte - content to encrypt
			@returns sealed blob
	*/
	SealRecord(
		ctx context.Context,
		secret string,
		salt []byte,
		scheme models.KeyDerivationSchemeENUMType,
		plainText []byte,
	) ([]byte, error)

	/*
		OpenRecord decrypt a sealed record blob

			@param ctx context.Context - execution context
			@param secret string - reporter supplied secret
			@param salt []byte - per-record salt persisted with the record
			@param scheme models.KeyDerivationSchemeENUMType - derivation scheme
			    persisted with the record
			@param sealed []byte - sealed blob
			@returns decrypted content
	*/
	OpenRecord(
		ctx context.Context,
		secret string,
		salt []byte,
		scheme models.KeyDerivationSchemeENUMType,
		sealed []byte,
	) ([]byte, error)

	/*
		PepperSeal seal a blob under the primary server pepper key

			@param ctx context.Context - execution context
			@param blob []byte - data to seal
			@returns sealed blob, and the ID of the pepper key used
	*/
	PepperSeal(ctx context.Context, blob []byte) ([]byte, string, error)

	/*
		PepperOpen open a pepper-sealed blob

			@param ctx context.Context - execution context
			@param sealed []byte - pepper-sealed blob
			@param pepperKeyID string - ID of the pepper key recorded with the blob
			@returns original blob
	*/
	PepperOpen(ctx context.Context, sealed []byte, pepperKeyID string) ([]byte, error)
}

// cipherEngine implements CipherEngine
type cipherEngine struct {
	goutils.Component

	validator *validator.Validate

	crypto    cgoCrypto.Engine
	stretcher keyderive.Stretcher

	// AEAD geometry probed once at startup
	aeadKeyLen   int
	aeadNonceLen int

	// pepperKeys all loaded pepper keys by fingerprint ID. Retired keys stay
	// loaded until every blob sealed under them has been re-sealed.
	pepperKeys      map[string][]byte
	primaryPepperID string
}

// CipherEngineParams cipher engine init parameters
//
// Pepper keys are provisioned out-of-band as hex key files. The first file is
// the primary key used for all new sealing; any further files are retired
// keys kept available for opening older blobs during a rotation.
type CipherEngineParams struct {
	// KeyDerivation key stretcher. When nil, a stretcher with production cost
	// defaults is used.
	KeyDerivation keyderive.Stretcher `validate:"-"`
	// PepperKeyFiles file paths to hex pepper key files, primary first
	PepperKeyFiles []string `validate:"required,min=1,dive,file"`
}

/*
NewCipherEngine define new cipher engine

	@param ctx context.Context - execution context
	@param params CipherEngineParams - engine parameters
	@returns engine instance
*/
func NewCipherEngine(ctx context.Context, params CipherEngineParams) (CipherEngine, error) {
	// Prepare core crypto engine
	engine, err := cgoCrypto.NewEngine(log.Fields{
		"package": "cgoutils", "module": "crypto", "component": "crypto-engine",
	})

	if err != nil {
		return nil, fmt.Errorf("failed to prepare core cryptography [%w]", err)
	}

	logTags := log.Fields{"module": "encryption", "component": "cipher-engine"}

	instance := &cipherEngine{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		validator:  validator.New(),
		crypto:     engine,
		stretcher:  params.KeyDerivation,
		pepperKeys: make(map[string][]byte),
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	if err := instance.validator.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid engine init parameters [%w]", err)
	}

	if instance.stretcher == nil {
		instance.stretcher, err = keyderive.NewStretcher(keyderive.DefaultStretcherParams())
		if err != nil {
			return nil, fmt.Errorf("failed to prepare default key stretcher [%w]", err)
		}
	}

	// Probe the AEAD geometry once
	aead, err := engine.GetAEAD(ctx, cgoCrypto.AEADTypeXChaCha20Poly1305)
	if err != nil {
		return nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}
	instance.aeadKeyLen = aead.ExpectedKeyLen()
	instance.aeadNonceLen = aead.ExpectedNonceLen()

	// Load the server pepper keys
	if err := instance.loadPepperKeys(ctx, params.PepperKeyFiles); err != nil {
		return nil, fmt.Errorf("failed to load server pepper keys [%w]", err)
	}

	return instance, nil
}

/*
PreferredScheme the key derivation scheme used for new records

	@returns scheme ID
*/
func (e *cipherEngine) PreferredScheme() models.KeyDerivationSchemeENUMType {
	return e.stretcher.PreferredScheme()
}

/*
NewRecordSalt generate a fresh random per-record key derivation salt

	@param ctx context.Context - execution context
	@returns new salt
*/
func (e *cipherEngine) NewRecordSalt(_ context.Context) ([]byte, error) {
	rng := e.crypto.GetRNGReader()

	newSalt := make([]byte, recordSaltLen)
	if n, err := rng.Read(newSalt); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes from RNG [%w]", recordSaltLen, err)
	} else if n != recordSaltLen {
		return nil, fmt.Errorf("did not get %d bytes from RNG, only %d", recordSaltLen, n)
	}

	return newSalt, nil
}
