// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package blobstore

import (
	"io"
	"os"
)

// blobReader reads a committed blob from disk.
type blobReader struct {
	*os.File
}

func newBlobReader(file *os.File) *blobReader {
	return &blobReader{file}
}

// Size returns how large the blob is.
func (blob *blobReader) Size() int64 {
	stat, err := blob.Stat()
	if err != nil {
		return 0
	}
	return stat.Size()
}

// blobWriter writes a blob to a temporary file until Commit.
type blobWriter struct {
	ref BlobRef
	dir *Dir

	*os.File
}

func newBlobWriter(ref BlobRef, dir *Dir, file *os.File) *blobWriter {
	return &blobWriter{ref: ref, dir: dir, File: file}
}

// Cancel discards the blob.
func (blob *blobWriter) Cancel() error {
	return Error.Wrap(blob.dir.DeleteTemporary(blob.File))
}

// Commit moves the file to the target location.
func (blob *blobWriter) Commit() error {
	return Error.Wrap(blob.dir.Commit(blob.File, blob.ref))
}

// Size returns how much has been written so far.
func (blob *blobWriter) Size() int64 {
	pos, err := blob.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0
	}
	return pos
}
