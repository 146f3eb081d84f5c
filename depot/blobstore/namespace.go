// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package blobstore

import (
	"encoding/hex"
	"strings"
)

// JoinNamespace encodes parts into a single namespace. Each part is hex
// encoded before joining, so distinct part tuples never map to the same
// namespace, regardless of the bytes the parts contain.
func JoinNamespace(parts ...[]byte) []byte {
	encoded := make([]string, len(parts))
	for i, part := range parts {
		encoded[i] = hex.EncodeToString(part)
	}
	return []byte(strings.Join(encoded, "/"))
}

// SplitNamespace decodes a namespace produced by JoinNamespace back into
// its parts.
func SplitNamespace(namespace []byte) ([][]byte, error) {
	encoded := strings.Split(string(namespace), "/")
	parts := make([][]byte, len(encoded))
	for i, enc := range encoded {
		part, err := hex.DecodeString(enc)
		if err != nil {
			return nil, Error.New("malformed namespace %q", namespace)
		}
		parts[i] = part
	}
	return parts, nil
}

// NamespacePrefix returns the prefix shared by every namespace whose
// first part is the given one. Hex encoding keeps the separator out of
// the encoded part, so a prefix match never crosses a part boundary.
func NamespacePrefix(part []byte) []byte {
	return []byte(hex.EncodeToString(part) + "/")
}
