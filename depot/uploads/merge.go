// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package uploads

import (
	"context"
	"io"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/artifacts"
	"storj.io/depot/depot/blobstore"
)

// Merge validates that a session is complete, concatenates its chunks in
// ascending index order into the final artifact and retires the session.
//
// Quota is not re-charged: the bytes were reserved chunk by chunk, merge
// only reorganizes them. Overwriting a previously merged artifact of the
// same name releases the old artifact's bytes. When the artifact write
// fails partway, no partial artifact is left behind and the session
// stays intact so the client can retry without re-uploading.
func (service *Service) Merge(ctx context.Context, sessionID string) (_ artifacts.Info, err error) {
	defer mon.Task()(&ctx)(&err)

	tenant, err := service.identity.CurrentTenant(ctx)
	if err != nil {
		return artifacts.Info{}, err
	}

	unlock := service.sessionLocks.lock(sessionKey(tenant, sessionID))
	defer unlock()

	session, err := service.sessions.Get(ctx, tenant, sessionID)
	if err != nil {
		return artifacts.Info{}, err
	}

	chunks, err := service.chunks.ReadOrdered(ctx, tenant, sessionID, session.TotalChunks)
	if err != nil {
		return artifacts.Info{}, err
	}
	defer func() { err = errs.Combine(err, chunks.Close()) }()

	// Merges of different sessions may target the same artifact; the
	// stat, commit and release below must observe a consistent prior
	// artifact or the replaced bytes get released twice.
	artifactKey := string(blobstore.JoinNamespace(tenant.Bytes(), []byte(session.Category), []byte(session.Filename)))
	unlockArtifact := service.artifactLocks.lock(artifactKey)
	defer unlockArtifact()

	var overwritten int64
	if existing, statErr := service.artifacts.Stat(ctx, tenant, session.Category, session.Filename); statErr == nil {
		overwritten = existing.Size
	}

	writer, err := service.artifacts.Create(ctx, tenant, session.Category, session.Filename)
	if err != nil {
		return artifacts.Info{}, err
	}

	if _, err := io.Copy(writer, chunks); err != nil {
		return artifacts.Info{}, Error.Wrap(errs.Combine(err, writer.Cancel()))
	}
	if err := writer.Commit(); err != nil {
		return artifacts.Info{}, Error.Wrap(err)
	}

	if overwritten > 0 {
		// the replaced artifact is no longer billable
		if err := service.acct.Release(ctx, tenant, overwritten); err != nil {
			service.log.Error("failed to release overwritten artifact bytes",
				zap.String("tenant", string(tenant)),
				zap.String("session", sessionID),
				zap.Error(err))
		}
	}

	// The chunks' bytes now live in the artifact, so the discard must
	// not release quota.
	if _, err := service.chunks.Discard(ctx, tenant, sessionID); err != nil {
		return artifacts.Info{}, err
	}
	if err := service.sessions.Delete(ctx, tenant, sessionID); err != nil {
		return artifacts.Info{}, err
	}

	info, err := service.artifacts.Stat(ctx, tenant, session.Category, session.Filename)
	if err != nil {
		return artifacts.Info{}, err
	}

	service.log.Info("merged session",
		zap.String("tenant", string(tenant)),
		zap.String("session", sessionID),
		zap.String("category", info.Category),
		zap.String("filename", info.Filename),
		zap.Int64("size", info.Size))
	return info, nil
}
