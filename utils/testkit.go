package utils

import (
	"fmt"
	"math/rand"
)

var randStr = rand.New(rand.NewSource(7))

// GetTestKey returns a deterministic, sortable test key.
func GetTestKey(i int) []byte {
	return []byte(fmt.Sprintf("hlogstore-key-%09d", i))
}

// RandomValue returns n random bytes prefixed so failures are recognizable in logs.
func RandomValue(n int) []byte {
	buf := make([]byte, n)
	letters := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for i := range buf {
		buf[i] = letters[randStr.Intn(len(letters))]
	}
	return append([]byte("hlogstore-value-"), buf...)
}
