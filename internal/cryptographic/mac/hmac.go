package mac

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Size is the length of a payload HMAC.
const Size = sha256.Size

// Compute returns HMAC_SHA256(salt, HMAC_SHA256(point, digest)).
func Compute(point, salt, digest []byte) []byte {
	inner := hmac.New(sha256.New, point)
	inner.Write(digest)
	innerSum := inner.Sum(nil)
	defer clear(innerSum)

	outer := hmac.New(sha256.New, salt)
	outer.Write(innerSum)
	return outer.Sum(nil)
}

// Verify compares two tags in constant time.
func Verify(candidate, expected []byte) bool {
	return hmac.Equal(candidate, expected)
}
