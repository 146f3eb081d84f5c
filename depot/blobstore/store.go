// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package blobstore

import (
	"context"
	"os"

	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

var _ Blobs = (*Store)(nil)

// Store implements a disk backed blob store.
type Store struct {
	dir *Dir
}

// New creates a blob store on top of an existing directory layout.
func New(dir *Dir) *Store {
	return &Store{dir: dir}
}

// NewAt creates a new disk blob store in the specified directory.
func NewAt(path string) (*Store, error) {
	dir, err := NewDir(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{dir: dir}, nil
}

// Create creates a new blob that can be written.
func (store *Store) Create(ctx context.Context, ref BlobRef) (_ BlobWriter, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.Valid() {
		return nil, Error.New("invalid blob ref")
	}
	file, err := store.dir.CreateTemporaryFile()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return newBlobWriter(ref, store.dir, file), nil
}

// Open loads the blob with the specified ref.
func (store *Store) Open(ctx context.Context, ref BlobRef) (_ BlobReader, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := store.dir.Open(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return newBlobReader(file), nil
}

// Stat looks up disk metadata of the blob with the specified ref.
func (store *Store) Stat(ctx context.Context, ref BlobRef) (_ BlobInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := store.dir.Stat(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return BlobInfo{}, err
		}
		return BlobInfo{}, Error.Wrap(err)
	}
	return BlobInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Delete deletes the blob with the specified ref.
func (store *Store) Delete(ctx context.Context, ref BlobRef) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(store.dir.Delete(ref))
}

// ListKeys returns all committed keys in the namespace in ascending
// byte order.
func (store *Store) ListKeys(ctx context.Context, namespace []byte) (_ [][]byte, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := store.dir.ListKeys(namespace)
	return keys, Error.Wrap(err)
}

// ListNamespaces returns all namespaces that contain blobs.
func (store *Store) ListNamespaces(ctx context.Context) (_ [][]byte, err error) {
	defer mon.Task()(&ctx)(&err)

	namespaces, err := store.dir.ListNamespaces()
	return namespaces, Error.Wrap(err)
}

// DeleteNamespace removes every blob in the namespace.
func (store *Store) DeleteNamespace(ctx context.Context, namespace []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(store.dir.DeleteNamespace(namespace))
}

// SpaceUsed sums the size of all blobs in the namespace.
func (store *Store) SpaceUsed(ctx context.Context, namespace []byte) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	total, err := store.dir.SpaceUsed(namespace)
	return total, Error.Wrap(err)
}
