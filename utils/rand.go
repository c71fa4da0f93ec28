package utils

import crand "crypto/rand"

func RandBytes(n int) []byte {
	rbz := make([]byte, n)
	if _, err := crand.Read(rbz); err != nil {
		panic(err)
	}
	return rbz
}
