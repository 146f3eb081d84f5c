// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package depot assembles the resumable upload engine: blob storage for
// chunks and artifacts, the session registry, the quota accountant and
// the retention sweeper.
package depot

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/depot/depot/artifacts"
	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/quota"
	"storj.io/depot/depot/retention"
	"storj.io/depot/depot/tenants"
	"storj.io/depot/depot/uploads"
	"storj.io/depot/depot/uploads/sessiondb"
)

// Config is all the configuration parameters for a depot peer.
type Config struct {
	DataDir      string `help:"directory for chunk, artifact and metadata storage" default:"$HOME/.depot"`
	DefaultQuota int64  `help:"default per-tenant quota in bytes, non-positive means unlimited" default:"1073741824"`

	Retention retention.Config
}

// Peer is the representation of a depot instance.
type Peer struct {
	Log *zap.Logger

	DB struct {
		Sessions *sessiondb.DB
		Ledger   *quota.Ledger
	}

	Storage struct {
		Chunks    *blobstore.Store
		Artifacts *blobstore.Store
	}

	Accountant *quota.Accountant
	Chunks     *uploads.ChunkStore
	Artifacts  *artifacts.Store
	Uploads    *uploads.Service
	Retention  *retention.Service
}

// New creates a new depot peer.
func New(ctx context.Context, log *zap.Logger, identity tenants.Provider, config Config) (*Peer, error) {
	peer := &Peer{Log: log}

	var err error

	{ // setup databases
		peer.DB.Sessions, err = sessiondb.Open(ctx, filepath.Join(config.DataDir, "sessions.db"))
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.DB.Ledger, err = quota.NewLedger(log.Named("ledger"), filepath.Join(config.DataDir, "ledger.db"), config.DefaultQuota)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup blob storage
		peer.Storage.Chunks, err = blobstore.NewAt(filepath.Join(config.DataDir, "uploads"))
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Storage.Artifacts, err = blobstore.NewAt(filepath.Join(config.DataDir, "artifacts"))
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup services
		peer.Accountant = quota.NewAccountant(log.Named("quota"), peer.DB.Ledger)
		peer.Chunks = uploads.NewChunkStore(log.Named("chunks"), peer.Storage.Chunks, peer.Accountant)
		peer.Artifacts = artifacts.NewStore(log.Named("artifacts"), peer.Storage.Artifacts, peer.Accountant)
		peer.Uploads = uploads.NewService(log.Named("uploads"), identity, peer.DB.Sessions, peer.Chunks, peer.Artifacts, peer.Accountant)
		peer.Retention = retention.NewService(log.Named("retention"), peer.DB.Sessions, peer.Chunks, peer.Accountant, config.Retention)
	}

	return peer, nil
}

// RecalculateUsage recomputes every known tenant's committed bytes from
// a storage re-scan. Run at startup so the ledger recovers from an
// unclean shutdown.
func (peer *Peer) RecalculateUsage(ctx context.Context) error {
	ids, err := peer.DB.Ledger.Tenants(ctx)
	if err != nil {
		return err
	}

	for _, tenant := range ids {
		chunkUsed, err := peer.Chunks.SpaceUsedByTenant(ctx, tenant)
		if err != nil {
			return err
		}
		artifactUsed, err := peer.Artifacts.SpaceUsedByTenant(ctx, tenant)
		if err != nil {
			return err
		}
		if err := peer.Accountant.Recalculate(ctx, tenant, chunkUsed+artifactUsed); err != nil {
			return err
		}
	}
	return nil
}

// Run runs the peer's chores until the context is canceled.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return ignoreCancel(peer.Retention.Run(ctx))
	})

	return group.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.Retention != nil {
		group.Add(peer.Retention.Close())
	}
	if peer.DB.Ledger != nil {
		group.Add(peer.DB.Ledger.Close())
	}
	if peer.DB.Sessions != nil {
		group.Add(peer.DB.Sessions.Close())
	}

	return group.Err()
}
