// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package blobstore implements durable blob storage keyed by
// (namespace, key) pairs.
package blobstore

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default blobstore error class.
var Error = errs.Class("blobstore")

// BlobRef is a reference to a single blob.
type BlobRef struct {
	Namespace []byte
	Key       []byte
}

// Valid returns whether the reference has a namespace and a key.
func (ref BlobRef) Valid() bool {
	return len(ref.Namespace) > 0 && len(ref.Key) > 0
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Size    int64
	ModTime time.Time
}

// BlobReader reads a committed blob.
type BlobReader interface {
	io.Reader
	io.Closer
	// Size returns the size of the blob.
	Size() int64
}

// BlobWriter writes a blob to temporary storage until committed.
type BlobWriter interface {
	io.Writer
	// Commit atomically publishes the blob under its reference,
	// replacing any previously committed payload.
	Commit() error
	// Cancel discards the written data.
	Cancel() error
	// Size returns how much has been written so far.
	Size() int64
}

// Blobs is a durable key-value blob storage.
//
// Open and Stat return an error satisfying os.IsNotExist when the blob
// does not exist, so that callers can distinguish absence from I/O
// failures.
type Blobs interface {
	// Create starts writing a new blob; the data becomes visible only
	// after Commit.
	Create(ctx context.Context, ref BlobRef) (BlobWriter, error)
	// Open opens a committed blob for reading.
	Open(ctx context.Context, ref BlobRef) (BlobReader, error)
	// Stat looks up disk metadata of a committed blob.
	Stat(ctx context.Context, ref BlobRef) (BlobInfo, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref BlobRef) error
	// ListKeys returns all committed keys in a namespace in ascending
	// byte order.
	ListKeys(ctx context.Context, namespace []byte) ([][]byte, error)
	// ListNamespaces returns all namespaces that contain blobs.
	ListNamespaces(ctx context.Context) ([][]byte, error)
	// DeleteNamespace removes every blob in a namespace. Deleting a
	// missing namespace is not an error.
	DeleteNamespace(ctx context.Context, namespace []byte) error
	// SpaceUsed sums the size of all blobs in a namespace.
	SpaceUsed(ctx context.Context, namespace []byte) (int64, error)
}
