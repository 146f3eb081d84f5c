// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package uploads_test

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/artifacts"
	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/quota"
	"storj.io/depot/depot/tenants"
	"storj.io/depot/depot/uploads"
	"storj.io/depot/depot/uploads/sessiondb"
	"storj.io/depot/internal/testblobs"
	"storj.io/depot/internal/testcontext"
	"storj.io/depot/internal/testrand"
)

type testEngine struct {
	Sessions      *sessiondb.DB
	Ledger        *quota.Ledger
	Acct          *quota.Accountant
	Chunks        *uploads.ChunkStore
	Artifacts     *artifacts.Store
	ArtifactBlobs *testblobs.BadBlobs
	Service       *uploads.Service
}

func newTestEngine(t *testing.T, ctx *testcontext.Context, defaultQuota int64) *testEngine {
	log := zaptest.NewLogger(t)

	sessions, err := sessiondb.Open(ctx, ctx.File("db", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sessions.Close()) })

	ledger, err := quota.NewLedger(log.Named("ledger"), ctx.File("db", "ledger.db"), defaultQuota)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ledger.Close()) })

	chunkBlobs, err := blobstore.NewAt(ctx.Dir("uploads"))
	require.NoError(t, err)
	artifactBlobs, err := blobstore.NewAt(ctx.Dir("artifacts"))
	require.NoError(t, err)
	badArtifactBlobs := testblobs.New(artifactBlobs)

	acct := quota.NewAccountant(log.Named("quota"), ledger)
	chunks := uploads.NewChunkStore(log.Named("chunks"), chunkBlobs, acct)
	artifactStore := artifacts.NewStore(log.Named("artifacts"), badArtifactBlobs, acct)
	service := uploads.NewService(log.Named("uploads"), tenants.ContextProvider{},
		sessions, chunks, artifactStore, acct)

	return &testEngine{
		Sessions:      sessions,
		Ledger:        ledger,
		Acct:          acct,
		Chunks:        chunks,
		Artifacts:     artifactStore,
		ArtifactBlobs: badArtifactBlobs,
		Service:       service,
	}
}

func checksum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func chunkReq(sessionID string, index, total int, data []byte) uploads.ChunkRequest {
	return uploads.ChunkRequest{
		SessionID:   sessionID,
		Index:       index,
		TotalChunks: total,
		Filename:    "data.bin",
		Category:    "general",
		Data:        data,
		Checksum:    checksum(data),
	}
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("hello world")

	require.NoError(t, uploads.VerifyChecksum(data, checksum(data)))
	// case and surrounding space are forgiven
	require.NoError(t, uploads.VerifyChecksum(data, "  "+checksum(data)+"\n"))

	err := uploads.VerifyChecksum(data, checksum([]byte("other")))
	require.True(t, uploads.ErrChecksumMismatch.Has(err))
}

func TestChunksArriveInAnyOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	parts := [][]byte{
		testrand.BytesN(100),
		testrand.BytesN(200),
		testrand.BytesN(50),
	}

	// the middle chunk creates the session
	ack, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 1, 3, parts[1]))
	require.NoError(t, err)
	require.Equal(t, []int{1}, ack.ReceivedIndices)
	require.False(t, ack.Complete)

	status, err := engine.Service.Status(tctx, "upload-1")
	require.NoError(t, err)
	require.True(t, status.Exists)
	require.Equal(t, 3, status.TotalChunks)
	require.Empty(t, cmp.Diff([]int{1}, status.ReceivedIndices))
	require.False(t, status.Complete)

	ack, err = engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 2, 3, parts[2]))
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, ack.ReceivedIndices)
	require.False(t, ack.Complete)

	ack, err = engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 0, 3, parts[0]))
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, ack.ReceivedIndices)
	require.True(t, ack.Complete)
}

func TestChunkValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	data := testrand.BytesN(10)

	// index outside the declared range
	_, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 3, 3, data))
	require.True(t, uploads.ErrInvalidIndex.Has(err))
	_, err = engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", -1, 3, data))
	require.True(t, uploads.ErrInvalidIndex.Has(err))

	// corrupted payload
	req := chunkReq("upload-1", 0, 3, data)
	req.Checksum = checksum([]byte("corrupted"))
	_, err = engine.Service.BeginOrContinueChunk(tctx, req)
	require.True(t, uploads.ErrChecksumMismatch.Has(err))

	// a rejected chunk stores nothing and charges nothing
	status, err := engine.Service.Status(tctx, "upload-1")
	require.NoError(t, err)
	require.Empty(t, status.ReceivedIndices)

	used, _, err := engine.Service.Usage(tctx)
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestDeclarationMismatchRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	data := testrand.BytesN(10)
	_, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 0, 3, data))
	require.NoError(t, err)

	req := chunkReq("upload-1", 1, 4, data)
	_, err = engine.Service.BeginOrContinueChunk(tctx, req)
	require.True(t, sessiondb.ErrMismatch.Has(err))

	req = chunkReq("upload-1", 1, 3, data)
	req.Filename = "renamed.bin"
	_, err = engine.Service.BeginOrContinueChunk(tctx, req)
	require.True(t, sessiondb.ErrMismatch.Has(err))
}

func TestChunkReplacementAdjustsUsage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	_, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 0, 2, testrand.BytesN(100)))
	require.NoError(t, err)

	used, _, err := engine.Service.Usage(tctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), used)

	// re-sending the same index replaces the payload, only the size
	// difference is charged
	replacement := testrand.BytesN(40)
	ack, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 0, 2, replacement))
	require.NoError(t, err)
	require.Equal(t, []int{0}, ack.ReceivedIndices)

	used, _, err = engine.Service.Usage(tctx)
	require.NoError(t, err)
	require.Equal(t, int64(40), used)
}

func TestQuotaExceeded(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 1)
	tctx := tenants.WithTenant(ctx, "alice")

	_, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 0, 1, testrand.BytesN(2)))
	require.True(t, quota.ErrExceeded.Has(err))

	// the refused chunk left nothing behind
	status, err := engine.Service.Status(tctx, "upload-1")
	require.NoError(t, err)
	require.Empty(t, status.ReceivedIndices)

	used, _, err := engine.Service.Usage(tctx)
	require.NoError(t, err)
	require.Zero(t, used)

	// a one byte chunk fits exactly
	_, err = engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 0, 1, testrand.BytesN(1)))
	require.NoError(t, err)
}

func TestMerge(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	parts := [][]byte{
		testrand.BytesN(300),
		testrand.BytesN(100),
		testrand.BytesN(250),
	}
	for index, part := range parts {
		_, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", index, 3, part))
		require.NoError(t, err)
	}

	usedBefore, _, err := engine.Service.Usage(tctx)
	require.NoError(t, err)

	info, err := engine.Service.Merge(tctx, "upload-1")
	require.NoError(t, err)
	require.Equal(t, "data.bin", info.Filename)
	require.Equal(t, "general", info.Category)
	require.Equal(t, int64(650), info.Size)

	// the artifact is the chunks concatenated in index order
	reader, err := engine.Artifacts.Open(tctx, "alice", "general", "data.bin")
	require.NoError(t, err)
	merged, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, append(append(append([]byte{}, parts[0]...), parts[1]...), parts[2]...), merged)

	// the session is retired, a new upload under the id starts fresh
	status, err := engine.Service.Status(tctx, "upload-1")
	require.NoError(t, err)
	require.False(t, status.Exists)

	// merge reorganizes bytes, it does not charge them again
	usedAfter, _, err := engine.Service.Usage(tctx)
	require.NoError(t, err)
	require.Equal(t, usedBefore, usedAfter)
}

func TestMergeIncomplete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	_, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 1, 4, testrand.BytesN(10)))
	require.NoError(t, err)
	_, err = engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 3, 4, testrand.BytesN(10)))
	require.NoError(t, err)

	_, err = engine.Service.Merge(tctx, "upload-1")
	require.Error(t, err)

	missing, ok := uploads.MissingIndices(err)
	require.True(t, ok)
	require.Equal(t, []int{0, 2}, missing)

	// the session and its chunks survive a failed merge
	status, err := engine.Service.Status(tctx, "upload-1")
	require.NoError(t, err)
	require.True(t, status.Exists)
	require.Equal(t, []int{1, 3}, status.ReceivedIndices)
}

func TestMergeUnknownSession(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	_, err := engine.Service.Merge(tctx, "never-started")
	require.True(t, sessiondb.ErrNotFound.Has(err))
}

func TestMergeOverwriteReleasesOldArtifact(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	upload := func(sessionID string, size int) {
		_, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq(sessionID, 0, 1, testrand.BytesN(size)))
		require.NoError(t, err)
		_, err = engine.Service.Merge(tctx, sessionID)
		require.NoError(t, err)
	}

	upload("upload-1", 500)
	upload("upload-2", 200)

	// only the surviving artifact is billed
	used, _, err := engine.Service.Usage(tctx)
	require.NoError(t, err)
	require.Equal(t, int64(200), used)

	info, err := engine.Artifacts.Stat(tctx, "alice", "general", "data.bin")
	require.NoError(t, err)
	require.Equal(t, int64(200), info.Size)
}

func TestTenantIsolation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	alice := tenants.WithTenant(ctx, "alice")
	bob := tenants.WithTenant(ctx, "bob")

	_, err := engine.Service.BeginOrContinueChunk(alice, chunkReq("upload-1", 0, 2, testrand.BytesN(10)))
	require.NoError(t, err)

	// the same session id is a distinct session for another tenant
	status, err := engine.Service.Status(bob, "upload-1")
	require.NoError(t, err)
	require.False(t, status.Exists)

	used, _, err := engine.Service.Usage(bob)
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestTenantNamespacesNotAliased(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)

	// tenant "t" with session "x/s" must not alias tenant "t/x" with
	// session "s", even though the raw strings concatenate identically
	victim := tenants.WithTenant(ctx, "t/x")
	attacker := tenants.WithTenant(ctx, "t")

	secret := testrand.BytesN(64)
	_, err := engine.Service.BeginOrContinueChunk(victim, chunkReq("s", 1, 2, secret))
	require.NoError(t, err)

	ack, err := engine.Service.BeginOrContinueChunk(attacker, chunkReq("x/s", 0, 2, testrand.BytesN(8)))
	require.NoError(t, err)
	require.Equal(t, []int{0}, ack.ReceivedIndices)
	require.False(t, ack.Complete)

	// the victim's chunk cannot complete the attacker's session
	_, err = engine.Service.Merge(attacker, "x/s")
	missing, ok := uploads.MissingIndices(err)
	require.True(t, ok)
	require.Equal(t, []int{1}, missing)

	// the victim's session is untouched
	status, err := engine.Service.Status(victim, "s")
	require.NoError(t, err)
	require.Equal(t, []int{1}, status.ReceivedIndices)

	// space accounting does not bleed across the prefix either
	used, err := engine.Chunks.SpaceUsedByTenant(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, int64(8), used)
	used, err = engine.Chunks.SpaceUsedByTenant(ctx, "t/x")
	require.NoError(t, err)
	require.Equal(t, int64(64), used)
}

func TestMergeWriteFailureKeepsSession(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	parts := [][]byte{testrand.BytesN(100), testrand.BytesN(50)}
	for index, part := range parts {
		_, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", index, 2, part))
		require.NoError(t, err)
	}

	usedBefore, _, err := engine.Service.Usage(tctx)
	require.NoError(t, err)

	engine.ArtifactBlobs.SetWriteError(errs.New("disk full"))
	_, err = engine.Service.Merge(tctx, "upload-1")
	require.Error(t, err)
	engine.ArtifactBlobs.SetWriteError(nil)

	// no partial artifact is left behind
	_, err = engine.Artifacts.Stat(tctx, "alice", "general", "data.bin")
	require.True(t, artifacts.ErrNotFound.Has(err))

	// the session and its chunks are intact, usage is unchanged
	status, err := engine.Service.Status(tctx, "upload-1")
	require.NoError(t, err)
	require.True(t, status.Exists)
	require.Equal(t, []int{0, 1}, status.ReceivedIndices)

	usedAfter, _, err := engine.Service.Usage(tctx)
	require.NoError(t, err)
	require.Equal(t, usedBefore, usedAfter)

	// the client retries without re-uploading
	info, err := engine.Service.Merge(tctx, "upload-1")
	require.NoError(t, err)
	require.Equal(t, int64(150), info.Size)
}

func TestConcurrentMergesSameArtifact(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)
	tctx := tenants.WithTenant(ctx, "alice")

	_, err := engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-1", 0, 1, testrand.BytesN(300)))
	require.NoError(t, err)
	_, err = engine.Service.BeginOrContinueChunk(tctx, chunkReq("upload-2", 0, 1, testrand.BytesN(200)))
	require.NoError(t, err)

	// both sessions target the same (category, filename); whichever
	// merge lands second overwrites, and the replaced artifact's bytes
	// must be released exactly once
	ctx.Go(func() error {
		_, err := engine.Service.Merge(tctx, "upload-1")
		return err
	})
	ctx.Go(func() error {
		_, err := engine.Service.Merge(tctx, "upload-2")
		return err
	})
	ctx.Wait()

	info, err := engine.Artifacts.Stat(tctx, "alice", "general", "data.bin")
	require.NoError(t, err)

	used, _, err := engine.Service.Usage(tctx)
	require.NoError(t, err)
	require.Equal(t, info.Size, used)
}

func TestUnauthenticated(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newTestEngine(t, ctx, 0)

	_, err := engine.Service.Status(ctx, "upload-1")
	require.True(t, tenants.ErrUnauthenticated.Has(err))

	_, err = engine.Service.BeginOrContinueChunk(ctx, chunkReq("upload-1", 0, 1, []byte("x")))
	require.True(t, tenants.ErrUnauthenticated.Has(err))
}
