// Package matchkey - comparison key derivation for match claims
package matchkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
)

// contextKey fixed application-wide HMAC context. Not a secret; it only
// separates this identifier namespace from any other HMAC-SHA256 use.
const contextKey = "harbor/match-identifier/v1"

/*
Normalize canonicalize identifying text before hashing

Case folds the text and collapses all whitespace runs to single spaces, so
trivial formatting differences between two reporters naming the same party
still produce the same comparison key.

	@param identifyingText string - reporter supplied identifying text
	@returns normalized text
*/
func Normalize(identifyingText string) string {
	folded := cases.Fold().String(identifyingText)
	return strings.Join(strings.Fields(folded), " ")
}

/*
Derive compute the comparison key for identifying text

The output is a pure function of the normalized text: equal normalized input
always yields bit-identical output. It is one-way and used only for equality
comparison, never as an encryption key.

	@param identifyingText string - reporter supplied identifying text
	@returns hex encoded comparison key
*/
func Derive(identifyingText string) string {
	mac := hmac.New(sha256.New, []byte(contextKey))
	mac.Write([]byte(Normalize(identifyingText)))
	return hex.EncodeToString(mac.Sum(nil))
}
