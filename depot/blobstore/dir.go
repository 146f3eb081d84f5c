// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package blobstore

import (
	"bytes"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

const (
	blobPermission = 0600
	dirPermission  = 0700
)

// Dir represents a single folder for storing blobs.
//
// Committed blobs live under blobs/<hex namespace>/<hex key prefix>/<rest>,
// in-progress writes under tmp/. Commit renames the temporary file into
// place, which makes replacement of a key atomic.
type Dir struct {
	path string
}

// NewDir returns a folder for storing blobs, creating the layout when
// necessary.
func NewDir(path string) (*Dir, error) {
	dir := &Dir{path: path}
	return dir, errs.Combine(
		os.MkdirAll(dir.blobdir(), dirPermission),
		os.MkdirAll(dir.tempdir(), dirPermission),
	)
}

// Path returns the directory path.
func (dir *Dir) Path() string { return dir.path }

func (dir *Dir) blobdir() string { return filepath.Join(dir.path, "blobs") }
func (dir *Dir) tempdir() string { return filepath.Join(dir.path, "tmp") }

func (dir *Dir) namespacePath(namespace []byte) string {
	return filepath.Join(dir.blobdir(), hex.EncodeToString(namespace))
}

// refToPath converts a blob reference to a file path.
func (dir *Dir) refToPath(ref BlobRef) string {
	key := hex.EncodeToString(ref.Key)
	if len(key) <= 2 {
		return filepath.Join(dir.namespacePath(ref.Namespace), key)
	}
	return filepath.Join(dir.namespacePath(ref.Namespace), key[:2], key[2:])
}

// CreateTemporaryFile creates a file in the temp directory.
func (dir *Dir) CreateTemporaryFile() (*os.File, error) {
	return os.CreateTemp(dir.tempdir(), "blob-*.partial")
}

// DeleteTemporary closes and deletes a temporary file.
func (dir *Dir) DeleteTemporary(file *os.File) error {
	closeErr := file.Close()
	removeErr := os.Remove(file.Name())
	if os.IsNotExist(removeErr) {
		removeErr = nil
	}
	return errs.Combine(closeErr, removeErr)
}

// Commit flushes and renames a temporary file to the location of ref.
func (dir *Dir) Commit(file *os.File, ref BlobRef) error {
	syncErr := file.Sync()
	chmodErr := file.Chmod(blobPermission)
	closeErr := file.Close()
	if syncErr != nil || chmodErr != nil || closeErr != nil {
		removeErr := os.Remove(file.Name())
		return errs.Combine(syncErr, chmodErr, closeErr, removeErr)
	}

	path := dir.refToPath(ref)
	if err := os.MkdirAll(filepath.Dir(path), dirPermission); err != nil {
		removeErr := os.Remove(file.Name())
		return errs.Combine(err, removeErr)
	}

	if err := os.Rename(file.Name(), path); err != nil {
		removeErr := os.Remove(file.Name())
		return errs.Combine(err, removeErr)
	}
	return nil
}

// Open opens the committed blob with the specified ref.
func (dir *Dir) Open(ref BlobRef) (*os.File, error) {
	return os.OpenFile(dir.refToPath(ref), os.O_RDONLY, blobPermission)
}

// Stat returns file info of the committed blob with the specified ref.
func (dir *Dir) Stat(ref BlobRef) (os.FileInfo, error) {
	return os.Stat(dir.refToPath(ref))
}

// Delete removes the blob with the specified ref, ignoring concurrent
// deletes.
func (dir *Dir) Delete(ref BlobRef) error {
	err := os.Remove(dir.refToPath(ref))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListKeys returns all keys committed in the namespace in ascending
// byte order.
func (dir *Dir) ListKeys(namespace []byte) ([][]byte, error) {
	root := dir.namespacePath(namespace)

	var keys [][]byte
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		encoded := strings.ReplaceAll(rel, string(filepath.Separator), "")
		key, err := hex.DecodeString(encoded)
		if err != nil {
			// not a blob file, likely leftover from an interrupted write
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(keys, func(i, k int) bool { return bytes.Compare(keys[i], keys[k]) < 0 })
	return keys, nil
}

// ListNamespaces returns all namespaces with a blob directory.
func (dir *Dir) ListNamespaces() ([][]byte, error) {
	entries, err := os.ReadDir(dir.blobdir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var namespaces [][]byte
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		namespace, err := hex.DecodeString(entry.Name())
		if err != nil {
			continue
		}
		namespaces = append(namespaces, namespace)
	}
	return namespaces, nil
}

// DeleteNamespace removes the whole namespace directory, ignoring
// concurrent deletes.
func (dir *Dir) DeleteNamespace(namespace []byte) error {
	err := os.RemoveAll(dir.namespacePath(namespace))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SpaceUsed sums the sizes of all blobs in the namespace.
func (dir *Dir) SpaceUsed(namespace []byte) (total int64, err error) {
	err = filepath.WalkDir(dir.namespacePath(namespace), func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
