// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"strconv"
)

// OfferKey computes a 4-byte hash identifying a file offer by sender, file
// name and size. Two offers with the same key are treated as duplicates.
func OfferKey(from, name string, size int64) uint32 {
	h := fnv.New32a()
	h.Write([]byte(from))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	return h.Sum32()
}
