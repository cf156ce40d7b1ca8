package matchkey_test

import (
	"testing"

	"github.com/alwitt/harbor/matchkey"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert := assert.New(t)

	// 1. Case and whitespace differences collapse to the same value
	assert.Equal("jordan blake", matchkey.Normalize("Jordan Blake"))
	assert.Equal("jordan blake", matchkey.Normalize("  jordan\tBLAKE "))
	assert.Equal("jordan blake", matchkey.Normalize("jordan\n\nblake"))

	// 2. Distinct names stay distinct
	assert.NotEqual(matchkey.Normalize("jordan blake"), matchkey.Normalize("jordan drake"))

	// 3. Pure whitespace normalizes to empty
	assert.Equal("", matchkey.Normalize(" \t\n"))
}

func TestDerive(t *testing.T) {
	assert := assert.New(t)

	// 1. Stable across calls
	assert.Equal(matchkey.Derive("Jordan Blake"), matchkey.Derive("Jordan Blake"))

	// 2. Equal after normalization means equal identifiers
	assert.Equal(matchkey.Derive("Jordan Blake"), matchkey.Derive("  jordan   blake "))

	// 3. Different names give different identifiers
	assert.NotEqual(matchkey.Derive("Jordan Blake"), matchkey.Derive("Jordan Drake"))

	// 4. Output is hex encoded SHA256 length
	assert.Len(matchkey.Derive("Jordan Blake"), 64)
}
