// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package uploads

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/quota"
	"storj.io/depot/depot/tenants"
	"storj.io/depot/depot/uploads/sessiondb"
)

// ErrInvalidIndex is returned when a chunk index is outside the declared
// range of its session.
var ErrInvalidIndex = errs.Class("invalid chunk index")

// IncompleteUploadError reports which chunk indices are still missing
// from a session.
type IncompleteUploadError struct {
	Missing []int
}

// Error implements the error interface.
func (err *IncompleteUploadError) Error() string {
	return fmt.Sprintf("incomplete upload: missing chunk indices %v", err.Missing)
}

// MissingIndices extracts the missing index set from an incomplete
// upload error.
func MissingIndices(err error) ([]int, bool) {
	var incomplete *IncompleteUploadError
	if errors.As(err, &incomplete) {
		return incomplete.Missing, true
	}
	return nil, false
}

// chunkNamespace scopes chunk payloads per tenant and session so that a
// whole session can be listed and discarded as one arena. The join is
// injective, so a session id containing a separator can never alias
// another tenant's namespace.
func chunkNamespace(tenant tenants.ID, sessionID string) []byte {
	return blobstore.JoinNamespace(tenant.Bytes(), []byte(sessionID))
}

func chunkKey(index int) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(index))
	return key[:]
}

func chunkIndex(key []byte) (int, bool) {
	if len(key) != 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(key)), true
}

// ChunkStore persists individual chunk payloads per (tenant, session) on
// durable storage. Which indices are present is always derived from the
// store itself, never from in-memory counters, so the state survives
// process restarts.
type ChunkStore struct {
	log   *zap.Logger
	blobs blobstore.Blobs
	acct  *quota.Accountant

	writeLocks *lockSet
}

// NewChunkStore creates a chunk store on top of blob storage and a quota
// accountant.
func NewChunkStore(log *zap.Logger, blobs blobstore.Blobs, acct *quota.Accountant) *ChunkStore {
	return &ChunkStore{
		log:        log,
		blobs:      blobs,
		acct:       acct,
		writeLocks: newLockSet(),
	}
}

// Put verifies and persists one chunk of a session. Writers of the same
// index serialize; writers of different indices proceed in parallel.
// Re-submitting an index replaces the prior payload and the quota delta
// reflects only the size difference.
func (store *ChunkStore) Put(ctx context.Context, session sessiondb.Session, index int, data []byte, checksum string) (stored int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if index < 0 || index >= session.TotalChunks {
		return 0, ErrInvalidIndex.New("index %d outside [0, %d)", index, session.TotalChunks)
	}
	if err := VerifyChecksum(data, checksum); err != nil {
		return 0, err
	}

	ref := blobstore.BlobRef{
		Namespace: chunkNamespace(session.Tenant, session.ID),
		Key:       chunkKey(index),
	}

	unlock := store.writeLocks.lock(string(ref.Namespace) + "#" + string(ref.Key))
	defer unlock()

	var priorSize int64
	info, err := store.blobs.Stat(ctx, ref)
	if err == nil {
		priorSize = info.Size
	} else if !os.IsNotExist(err) {
		return 0, Error.Wrap(err)
	}

	delta := int64(len(data)) - priorSize
	reservation, err := store.acct.Reserve(ctx, session.Tenant, delta)
	if err != nil {
		return 0, err
	}

	writer, err := store.blobs.Create(ctx, ref)
	if err != nil {
		reservation.Rollback()
		return 0, Error.Wrap(err)
	}
	if _, err := writer.Write(data); err != nil {
		reservation.Rollback()
		return 0, Error.Wrap(errs.Combine(err, writer.Cancel()))
	}
	if err := writer.Commit(); err != nil {
		reservation.Rollback()
		return 0, Error.Wrap(err)
	}

	if err := reservation.Commit(ctx); err != nil {
		// The payload is durable but the ledger write failed; the
		// discrepancy is repaired by the startup usage re-scan.
		store.log.Error("quota commit failed after chunk write",
			zap.String("tenant", string(session.Tenant)),
			zap.String("session", session.ID),
			zap.Int("index", index),
			zap.Error(err))
		return 0, Error.Wrap(err)
	}

	store.log.Debug("stored chunk",
		zap.String("tenant", string(session.Tenant)),
		zap.String("session", session.ID),
		zap.Int("index", index),
		zap.Int64("size", int64(len(data))),
		zap.Int64("delta", delta))
	return int64(len(data)), nil
}

// ListIndices returns the sorted indices currently held for a session.
func (store *ChunkStore) ListIndices(ctx context.Context, tenant tenants.ID, sessionID string) (_ []int, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := store.blobs.ListKeys(ctx, chunkNamespace(tenant, sessionID))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	indices := make([]int, 0, len(keys))
	for _, key := range keys {
		if index, ok := chunkIndex(key); ok {
			indices = append(indices, index)
		}
	}
	return indices, nil
}

// missingIndices returns the ascending set of indices in [0, total) that
// are absent from the sorted present list.
func missingIndices(present []int, total int) []int {
	held := make(map[int]bool, len(present))
	for _, index := range present {
		held[index] = true
	}
	var missing []int
	for index := 0; index < total; index++ {
		if !held[index] {
			missing = append(missing, index)
		}
	}
	return missing
}

// ReadOrdered opens a reader that streams the session's chunks in strict
// ascending index order. It fails with an IncompleteUploadError when any
// index in [0, totalChunks) is missing at open time.
func (store *ChunkStore) ReadOrdered(ctx context.Context, tenant tenants.ID, sessionID string, totalChunks int) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	indices, err := store.ListIndices(ctx, tenant, sessionID)
	if err != nil {
		return nil, err
	}
	if missing := missingIndices(indices, totalChunks); len(missing) > 0 {
		return nil, Error.Wrap(&IncompleteUploadError{Missing: missing})
	}

	return &orderedReader{
		ctx:       ctx,
		blobs:     store.blobs,
		namespace: chunkNamespace(tenant, sessionID),
		total:     totalChunks,
	}, nil
}

// orderedReader streams chunk blobs one after another, opening each
// lazily so that merge never holds more than one file handle.
type orderedReader struct {
	ctx       context.Context
	blobs     blobstore.Blobs
	namespace []byte
	total     int

	next    int
	current blobstore.BlobReader
}

// Read implements io.Reader.
func (reader *orderedReader) Read(p []byte) (int, error) {
	for {
		if reader.current == nil {
			if reader.next >= reader.total {
				return 0, io.EOF
			}
			current, err := reader.blobs.Open(reader.ctx, blobstore.BlobRef{
				Namespace: reader.namespace,
				Key:       chunkKey(reader.next),
			})
			if err != nil {
				return 0, Error.Wrap(err)
			}
			reader.current = current
			reader.next++
		}

		n, err := reader.current.Read(p)
		if errors.Is(err, io.EOF) {
			closeErr := reader.current.Close()
			reader.current = nil
			if closeErr != nil {
				return n, Error.Wrap(closeErr)
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close implements io.Closer.
func (reader *orderedReader) Close() error {
	if reader.current == nil {
		return nil
	}
	err := reader.current.Close()
	reader.current = nil
	return Error.Wrap(err)
}

// Discard removes every chunk payload of a session and reports how many
// bytes were freed. Discarding an unknown session frees zero bytes.
func (store *ChunkStore) Discard(ctx context.Context, tenant tenants.ID, sessionID string) (freed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	namespace := chunkNamespace(tenant, sessionID)
	freed, err = store.blobs.SpaceUsed(ctx, namespace)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if err := store.blobs.DeleteNamespace(ctx, namespace); err != nil {
		return 0, Error.Wrap(err)
	}
	return freed, nil
}

// SpaceUsed sums the bytes currently held for a session.
func (store *ChunkStore) SpaceUsed(ctx context.Context, tenant tenants.ID, sessionID string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	used, err := store.blobs.SpaceUsed(ctx, chunkNamespace(tenant, sessionID))
	return used, Error.Wrap(err)
}

// SpaceUsedByTenant sums the bytes held for every session of a tenant.
func (store *ChunkStore) SpaceUsedByTenant(ctx context.Context, tenant tenants.ID) (total int64, err error) {
	defer mon.Task()(&ctx)(&err)

	namespaces, err := store.blobs.ListNamespaces(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	prefix := blobstore.NamespacePrefix(tenant.Bytes())
	for _, namespace := range namespaces {
		if !bytes.HasPrefix(namespace, prefix) {
			continue
		}
		used, err := store.blobs.SpaceUsed(ctx, namespace)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		total += used
	}
	return total, nil
}
