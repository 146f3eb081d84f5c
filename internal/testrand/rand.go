// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testrand implements generating random base types for testing.
package testrand

import (
	"encoding/hex"
	"math/rand"
)

// Intn returns, as an int, a non-negative pseudo-random number in [0,n).
func Intn(n int) int { return rand.Intn(n) }

// Read reads pseudo-random data into data.
func Read(data []byte) {
	const newSourceThreshold = 64
	if len(data) < newSourceThreshold {
		_, _ = rand.Read(data)
		return
	}

	src := rand.NewSource(rand.Int63())
	r := rand.New(src)
	_, _ = r.Read(data)
}

// BytesN generates size amount of random data.
func BytesN(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

// HexN generates a random hex string of 2*size characters.
func HexN(size int) string {
	return hex.EncodeToString(BytesN(size))
}
