// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package uploads implements the resumable chunked upload engine:
// checksum gated chunk persistence, session tracking and the merge of a
// completed session into a finished artifact.
package uploads

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/artifacts"
	"storj.io/depot/depot/quota"
	"storj.io/depot/depot/tenants"
	"storj.io/depot/depot/uploads/sessiondb"
)

var (
	// Error is the default uploads error class.
	Error = errs.Class("uploads")

	mon = monkit.Package()
)

// ChunkRequest carries one chunk upload. The session is created
// implicitly by the first chunk that arrives for its id.
type ChunkRequest struct {
	SessionID   string
	Index       int
	TotalChunks int
	Filename    string
	Category    string
	Data        []byte
	Checksum    string
}

// ChunkAck answers a chunk upload with the indices the server now holds.
type ChunkAck struct {
	ReceivedIndices []int
	Complete        bool
}

// SessionStatus describes an in-flight upload to the client.
type SessionStatus struct {
	Exists          bool
	ReceivedIndices []int
	TotalChunks     int
	Complete        bool
}

// Service exposes the upload verbs to the request layer.
type Service struct {
	log       *zap.Logger
	identity  tenants.Provider
	sessions  *sessiondb.DB
	chunks    *ChunkStore
	artifacts *artifacts.Store
	acct      *quota.Accountant

	sessionLocks  *rwLockSet
	artifactLocks *lockSet
}

// NewService creates an upload service.
func NewService(log *zap.Logger, identity tenants.Provider, sessions *sessiondb.DB, chunks *ChunkStore, artifactStore *artifacts.Store, acct *quota.Accountant) *Service {
	return &Service{
		log:           log,
		identity:      identity,
		sessions:      sessions,
		chunks:        chunks,
		artifacts:     artifactStore,
		acct:          acct,
		sessionLocks:  newRWLockSet(),
		artifactLocks: newLockSet(),
	}
}

func sessionKey(tenant tenants.ID, sessionID string) string {
	return string(tenant) + "/" + sessionID
}

// BeginOrContinueChunk ensures the session exists and persists one
// verified chunk. The first chunk's declaration wins; later requests
// must repeat it exactly.
func (service *Service) BeginOrContinueChunk(ctx context.Context, req ChunkRequest) (_ ChunkAck, err error) {
	defer mon.Task()(&ctx)(&err)

	tenant, err := service.identity.CurrentTenant(ctx)
	if err != nil {
		return ChunkAck{}, err
	}

	filename, err := artifacts.SanitizeFilename(req.Filename)
	if err != nil {
		return ChunkAck{}, err
	}
	category, err := artifacts.SanitizeCategory(req.Category)
	if err != nil {
		return ChunkAck{}, err
	}

	unlock := service.sessionLocks.rlock(sessionKey(tenant, req.SessionID))
	defer unlock()

	session, err := service.sessions.Ensure(ctx, sessiondb.Session{
		Tenant:      tenant,
		ID:          req.SessionID,
		Filename:    filename,
		Category:    category,
		TotalChunks: req.TotalChunks,
	})
	if err != nil {
		return ChunkAck{}, err
	}

	if _, err := service.chunks.Put(ctx, session, req.Index, req.Data, req.Checksum); err != nil {
		return ChunkAck{}, err
	}

	indices, err := service.chunks.ListIndices(ctx, tenant, session.ID)
	if err != nil {
		return ChunkAck{}, err
	}

	ack := ChunkAck{
		ReceivedIndices: indices,
		Complete:        len(missingIndices(indices, session.TotalChunks)) == 0,
	}
	service.log.Info("chunk accepted",
		zap.String("tenant", string(tenant)),
		zap.String("session", session.ID),
		zap.Int("index", req.Index),
		zap.Int("received", len(indices)),
		zap.Int("total", session.TotalChunks),
		zap.Bool("complete", ack.Complete))
	return ack, nil
}

// Status reports which chunks of a session have arrived. Unknown
// sessions report Exists=false rather than an error, so clients can
// check before resuming.
func (service *Service) Status(ctx context.Context, sessionID string) (_ SessionStatus, err error) {
	defer mon.Task()(&ctx)(&err)

	tenant, err := service.identity.CurrentTenant(ctx)
	if err != nil {
		return SessionStatus{}, err
	}

	session, err := service.sessions.Get(ctx, tenant, sessionID)
	if sessiondb.ErrNotFound.Has(err) {
		return SessionStatus{Exists: false, ReceivedIndices: []int{}}, nil
	}
	if err != nil {
		return SessionStatus{}, err
	}

	indices, err := service.chunks.ListIndices(ctx, tenant, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}

	return SessionStatus{
		Exists:          true,
		ReceivedIndices: indices,
		TotalChunks:     session.TotalChunks,
		Complete:        len(missingIndices(indices, session.TotalChunks)) == 0,
	}, nil
}

// Usage reports the tenant's committed bytes and ceiling.
func (service *Service) Usage(ctx context.Context) (used, limit int64, err error) {
	defer mon.Task()(&ctx)(&err)

	tenant, err := service.identity.CurrentTenant(ctx)
	if err != nil {
		return 0, 0, err
	}
	return service.acct.Usage(ctx, tenant)
}
