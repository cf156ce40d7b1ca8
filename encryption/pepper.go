package encryption

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// pepperKeyID content-derived fingerprint of a pepper key. Stable across
// restarts, so blobs sealed before a rotation still name their key.
func pepperKeyID(key []byte) string {
	digest := sha256.Sum256(key)
	return hex.EncodeToString(digest[:8])
}

// loadPepperKeys load the server pepper keys from hex key files. The first
// file holds the primary key used for all new sealing.
func (e *cipherEngine) loadPepperKeys(_ context.Context, keyFilePaths []string) error {
	for idx, keyFilePath := range keyFilePaths {
		keyFile, err := os.Open(keyFilePath)
		if err != nil {
			return fmt.Errorf("failed to open %s [%w]", keyFilePath, err)
		}

		keyContent, err := io.ReadAll(keyFile)
		_ = keyFile.Close()
		if err != nil {
			return fmt.Errorf("%s read error [%w]", keyFilePath, err)
		}

		key, err := hex.DecodeString(strings.TrimSpace(string(keyContent)))
		if err != nil {
			return fmt.Errorf("failed to parse hex pepper key in %s [%w]", keyFilePath, err)
		}
		if len(key) != e.aeadKeyLen {
			return fmt.Errorf(
				"pepper key in %s is %d bytes, expect %d", keyFilePath, len(key), e.aeadKeyLen,
			)
		}

		keyID := pepperKeyID(key)
		e.pepperKeys[keyID] = key
		if idx == 0 {
			e.primaryPepperID = keyID
		}
	}

	return nil
}

/*
PepperSeal seal a blob under the primary server pepper key

	@param ctx context.Context - execution context
	@param blob []byte - data to seal
	@returns sealed blob, and the ID of the pepper key used
*/
func (e *cipherEngine) PepperSeal(ctx context.Context, blob []byte) ([]byte, string, error) {
	key, ok := e.pepperKeys[e.primaryPepperID]
	if !ok {
		return nil, "", fmt.Errorf("primary pepper key not loaded [%w]", ErrEncryption)
	}

	sealed, err := e.sealWithKey(ctx, key, blob)
	if err != nil {
		return nil, "", fmt.Errorf("failed to pepper seal blob [%w]", err)
	}

	return sealed, e.primaryPepperID, nil
}

/*
PepperOpen open a pepper-sealed blob

	@param ctx context.Context - execution context
	@param sealed []byte - pepper-sealed blob
	@param pepperKeyID string - ID of the pepper key recorded with the blob
	@returns original blob
*/
func (e *cipherEngine) PepperOpen(
	ctx context.Context, sealed []byte, pepperKeyID string,
) ([]byte, error) {
	key, ok := e.pepperKeys[pepperKeyID]
	if !ok {
		// The key was rotated away without re-sealing its blobs first. This is
		// an operational fault, not a per-record condition.
		return nil, fmt.Errorf("pepper key %s not loaded [%w]", pepperKeyID, ErrDecryption)
	}

	blob, err := e.openWithKey(ctx, key, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to pepper open blob [%w]", err)
	}

	return blob, nil
}
