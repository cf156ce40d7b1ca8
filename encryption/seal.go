package encryption

import (
	"context"
	"fmt"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/harbor/models"
)

// setupAEAD prepare AEAD
func (e *cipherEngine) setupAEAD(
	ctx context.Context, key []byte, nonce []byte,
) (cgoCrypto.AEAD, error) {
	aead, err := e.crypto.GetAEAD(ctx, cgoCrypto.AEADTypeXChaCha20Poly1305)
	if err != nil {
		return nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	// Set the AEAD encryption key
	keyBuffer, err := e.crypto.AllocateSecureCSlice(aead.ExpectedKeyLen())
	if err != nil {
		return nil, fmt.Errorf("failed to init AEAD key buffer [%w]", err)
	}
	keyBufferCore, err := keyBuffer.GetSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to access AEAD key buffer core [%w]", err)
	}
	if copied := copy(keyBufferCore, key); copied != aead.ExpectedKeyLen() {
		return nil, fmt.Errorf(
			"failed to fill AEAD key buffer core %d =/= %d", copied, aead.ExpectedKeyLen(),
		)
	}
	if err := aead.SetKey(keyBuffer); err != nil {
		return nil, fmt.Errorf("failed to install AEAD key [%w]", err)
	}

	// Set the AEAD nonce
	if len(nonce) > 0 {
		// Use existing nonce
		nonceBuffer, err := e.crypto.AllocateSecureCSlice(aead.ExpectedNonceLen())
		if err != nil {
			return nil, fmt.Errorf("failed to init AEAD nonce buffer [%w]", err)
		}
		nonceBufferCore, err := nonceBuffer.GetSlice()
		if err != nil {
			return nil, fmt.Errorf("failed to access AEAD nonce buffer core [%w]", err)
		}
		if copied := copy(nonceBufferCore, nonce); copied != aead.ExpectedNonceLen() {
			return nil, fmt.Errorf(
				"failed to fill AEAD nonce buffer core %d =/= %d", copied, aead.ExpectedNonceLen(),
			)
		}
		if err := aead.SetNonce(nonceBuffer); err != nil {
			return nil, fmt.Errorf("failed to install AEAD nonce [%w]", err)
		}
	} else {
		// Generate random nonce
		nonceBuffer, err := e.crypto.GetRandomBuf(ctx, aead.ExpectedNonceLen())
		if err != nil {
			return nil, fmt.Errorf("failed to init AEAD nonce [%w]", err)
		}
		if err := aead.SetNonce(nonceBuffer); err != nil {
			return nil, fmt.Errorf("failed to install AEAD nonce [%w]", err)
		}
	}

	return aead, nil
}

// sealWithKey encrypt plain text under a raw symmetric key. The returned blob
// is self-contained: `nonce || cipher text with tag`.
func (e *cipherEngine) sealWithKey(
	ctx context.Context, key []byte, plainText []byte,
) ([]byte, error) {
	if len(key) != e.aeadKeyLen {
		return nil, fmt.Errorf(
			"sealing key is %d bytes, expect %d [%w]", len(key), e.aeadKeyLen, ErrEncryption,
		)
	}

	aead, err := e.setupAEAD(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to setup AEAD client [%w]", err)
	}

	// The blob leads with the nonce
	blob := make([]byte, e.aeadNonceLen+int(aead.ExpectedCipherLen(int64(len(plainText)))))
	nonce, err := aead.Nonce().GetSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce [%w]", err)
	}
	if copied := copy(blob, nonce); copied != e.aeadNonceLen {
		return nil, fmt.Errorf("failed to copy nonce %d =/= %d", copied, e.aeadNonceLen)
	}

	// Encrypt the plain text
	if err := aead.Seal(ctx, 0, plainText, nil, blob[e.aeadNonceLen:]); err != nil {
		return nil, fmt.Errorf("failed to encrypt plain text [%w]", err)
	}

	return blob, nil
}

// openWithKey decrypt a self-contained sealed blob under a raw symmetric key.
//
// Any failure surfaces as ErrDecryption with no content-adjacent diagnostics.
func (e *cipherEngine) openWithKey(
	ctx context.Context, key []byte, sealed []byte,
) ([]byte, error) {
	if len(key) != e.aeadKeyLen {
		return nil, fmt.Errorf(
			"opening key is %d bytes, expect %d [%w]", len(key), e.aeadKeyLen, ErrDecryption,
		)
	}
	if len(sealed) <= e.aeadNonceLen {
		return nil, fmt.Errorf("sealed blob too short [%w]", ErrDecryption)
	}

	nonce := sealed[:e.aeadNonceLen]
	cipherText := sealed[e.aeadNonceLen:]

	aead, err := e.setupAEAD(ctx, key, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to setup AEAD client [%w]", err)
	}

	plainText := make([]byte, aead.ExpectedPlainTextLen(int64(len(cipherText))))
	if err := aead.Unseal(ctx, 0, cipherText, nil, plainText); err != nil {
		return nil, fmt.Errorf("sealed blob failed authentication [%w]", ErrDecryption)
	}

	return plainText, nil
}

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
func (e *cipherEngine) SealRecord(
	ctx context.Context,
	secret string,
	salt []byte,
	scheme models.KeyDerivationSchemeENUMType,
	plainText []byte,
) ([]byte, error) {
	key, err := e.stretcher.DeriveKey(secret, salt, scheme)
	if err != nil {
		return nil, fmt.Errorf("unable to stretch reporter secret [%w]", err)
	}

	blob, err := e.sealWithKey(ctx, key, plainText)
	if err != nil {
		return nil, fmt.Errorf("failed to seal record content [%w]", err)
	}

	return blob, nil
}

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
func (e *cipherEngine) OpenRecord(
	ctx context.Context,
	secret string,
	salt []byte,
	scheme models.KeyDerivationSchemeENUMType,
	sealed []byte,
) ([]byte, error) {
	key, err := e.stretcher.DeriveKey(secret, salt, scheme)
	if err != nil {
		return nil, fmt.Errorf("unable to stretch reporter secret [%w]", err)
	}

	plainText, err := e.openWithKey(ctx, key, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed record [%w]", err)
	}

	return plainText, nil
}
