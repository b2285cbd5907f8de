package core

import (
	"hash/fnv"
	"math/rand"
)

// splitmix64 finaliser; spreads nearby inputs across the whole seed space.
func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func deriveSeed(parts ...uint64) int64 {
	h := uint64(0)
	for _, p := range parts {
		h = splitmix(h ^ p)
	}
	return int64(h)
}

func hashName(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// substreamTag separates setup substreams from per-activation streams.
const (
	substreamTag  = 0x5ab5
	activationTag = 0xac71
)

func newDerived(seed int64, parts ...uint64) *rand.Rand {
	all := append([]uint64{uint64(seed)}, parts...)
	return rand.New(rand.NewSource(deriveSeed(all...)))
}
