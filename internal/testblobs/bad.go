// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testblobs provides fault injecting blob store wrappers for
// tests.
package testblobs

import (
	"context"
	"sync"

	"storj.io/depot/depot/blobstore"
)

// BadBlobs implements a blob store that can be configured to fail.
// Use SetError to fail every operation, or SetWriteError to fail only
// writer Write and Commit calls, leaving Create healthy so a test can
// reach the mid-write failure paths.
type BadBlobs struct {
	blobs blobstore.Blobs

	mu       sync.Mutex
	err      error
	writeErr error
}

// New creates a new bad blob store wrapping the provided blobs.
func New(blobs blobstore.Blobs) *BadBlobs {
	return &BadBlobs{blobs: blobs}
}

// SetError configures the blob store to return err for all operations.
// A nil err restores normal behavior.
func (bad *BadBlobs) SetError(err error) {
	bad.mu.Lock()
	defer bad.mu.Unlock()
	bad.err = err
}

// SetWriteError configures writers to fail Write and Commit with err.
// A nil err restores normal behavior.
func (bad *BadBlobs) SetWriteError(err error) {
	bad.mu.Lock()
	defer bad.mu.Unlock()
	bad.writeErr = err
}

func (bad *BadBlobs) current() error {
	bad.mu.Lock()
	defer bad.mu.Unlock()
	return bad.err
}

func (bad *BadBlobs) currentWrite() error {
	bad.mu.Lock()
	defer bad.mu.Unlock()
	if bad.err != nil {
		return bad.err
	}
	return bad.writeErr
}

// Create creates a new blob that can be written.
func (bad *BadBlobs) Create(ctx context.Context, ref blobstore.BlobRef) (blobstore.BlobWriter, error) {
	if err := bad.current(); err != nil {
		return nil, err
	}
	writer, err := bad.blobs.Create(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &badWriter{BlobWriter: writer, bad: bad}, nil
}

// Open opens a committed blob for reading.
func (bad *BadBlobs) Open(ctx context.Context, ref blobstore.BlobRef) (blobstore.BlobReader, error) {
	if err := bad.current(); err != nil {
		return nil, err
	}
	return bad.blobs.Open(ctx, ref)
}

// Stat looks up disk metadata of a committed blob.
func (bad *BadBlobs) Stat(ctx context.Context, ref blobstore.BlobRef) (blobstore.BlobInfo, error) {
	if err := bad.current(); err != nil {
		return blobstore.BlobInfo{}, err
	}
	return bad.blobs.Stat(ctx, ref)
}

// Delete removes a blob.
func (bad *BadBlobs) Delete(ctx context.Context, ref blobstore.BlobRef) error {
	if err := bad.current(); err != nil {
		return err
	}
	return bad.blobs.Delete(ctx, ref)
}

// ListKeys returns all committed keys in a namespace.
func (bad *BadBlobs) ListKeys(ctx context.Context, namespace []byte) ([][]byte, error) {
	if err := bad.current(); err != nil {
		return nil, err
	}
	return bad.blobs.ListKeys(ctx, namespace)
}

// ListNamespaces returns all namespaces that contain blobs.
func (bad *BadBlobs) ListNamespaces(ctx context.Context) ([][]byte, error) {
	if err := bad.current(); err != nil {
		return nil, err
	}
	return bad.blobs.ListNamespaces(ctx)
}

// DeleteNamespace removes every blob in a namespace.
func (bad *BadBlobs) DeleteNamespace(ctx context.Context, namespace []byte) error {
	if err := bad.current(); err != nil {
		return err
	}
	return bad.blobs.DeleteNamespace(ctx, namespace)
}

// SpaceUsed sums the size of all blobs in a namespace.
func (bad *BadBlobs) SpaceUsed(ctx context.Context, namespace []byte) (int64, error) {
	if err := bad.current(); err != nil {
		return 0, err
	}
	return bad.blobs.SpaceUsed(ctx, namespace)
}

type badWriter struct {
	blobstore.BlobWriter
	bad *BadBlobs
}

func (writer *badWriter) Write(p []byte) (int, error) {
	if err := writer.bad.currentWrite(); err != nil {
		return 0, err
	}
	return writer.BlobWriter.Write(p)
}

func (writer *badWriter) Commit() error {
	if err := writer.bad.currentWrite(); err != nil {
		_ = writer.BlobWriter.Cancel()
		return err
	}
	return writer.BlobWriter.Commit()
}
