package utils

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
)

// SumSHA256 returns the SHA-256 checksum of the provided data.
func SumSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ContentHash is the hex SHA-256 used for staged and committed file content.
func ContentHash(data []byte) string {
	sum := SumSHA256(data)
	return hex.EncodeToString(sum[:])
}

// SHA1Hex is the digest deploy providers use to identify uploaded files.
func SHA1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
