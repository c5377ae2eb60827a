package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentHash(t *testing.T) {
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", ContentHash([]byte("hello")))
	require.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", SHA1Hex([]byte("hello")))
}
