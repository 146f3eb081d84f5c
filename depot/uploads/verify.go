// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package uploads

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/zeebo/errs"
)

// ErrChecksumMismatch is returned when chunk content does not match the
// caller declared digest. Nothing is written when it is returned.
var ErrChecksumMismatch = errs.Class("checksum mismatch")

// VerifyChecksum computes the SHA-256 digest of data and compares it to
// the declared hex digest, ignoring case.
func VerifyChecksum(data []byte, declared string) error {
	digest := sha256.Sum256(data)
	computed := hex.EncodeToString(digest[:])
	if computed != strings.ToLower(strings.TrimSpace(declared)) {
		return ErrChecksumMismatch.New("declared %q, computed %q", declared, computed)
	}
	return nil
}
