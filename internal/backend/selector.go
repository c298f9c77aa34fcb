package backend

import "github.com/pior/cacheproxy/internal"

// SelectFunc picks the index of the endpoint that owns key among n endpoints.
type SelectFunc func(key []byte, n int) int

// JumpSelect spreads keys with xxh3 and jump consistent hashing, so adding an
// endpoint moves about 1/n of the keys.
func JumpSelect(key []byte, n int) int {
	return internal.Bucket(key, n)
}
