// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package retention implements discarding of stale upload sessions,
// reclaiming their quota and storage.
package retention

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/quota"
	"storj.io/depot/depot/uploads"
	"storj.io/depot/depot/uploads/sessiondb"
	"storj.io/depot/internal/sync2"
)

var (
	// Error is the default retention error class.
	Error = errs.Class("retention")

	mon = monkit.Package()
)

// Config defines parameters for the retention sweeper.
type Config struct {
	Interval        time.Duration `help:"how frequently stale sessions are swept" default:"1h0m0s"`
	RetentionWindow time.Duration `help:"how long an unfinished session is kept before its chunks are discarded" default:"24h0m0s"`
}

// Service periodically discards sessions older than the retention
// window, regardless of completeness.
//
// architecture: Chore
type Service struct {
	log      *zap.Logger
	sessions *sessiondb.DB
	chunks   *uploads.ChunkStore
	acct     *quota.Accountant
	window   time.Duration

	Loop *sync2.Cycle
}

// NewService creates a new retention sweeper.
func NewService(log *zap.Logger, sessions *sessiondb.DB, chunks *uploads.ChunkStore, acct *quota.Accountant, config Config) *Service {
	return &Service{
		log:      log,
		sessions: sessions,
		chunks:   chunks,
		acct:     acct,
		window:   config.RetentionWindow,
		Loop:     sync2.NewCycle(config.Interval),
	}
}

// Run runs the retention sweeper until the context is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if _, err := service.Sweep(ctx, time.Now()); err != nil {
			service.log.Error("error during sweeping sessions", zap.Error(err))
		}
		return nil
	})
}

// Close stops the retention sweeper.
func (service *Service) Close() error {
	service.Loop.Stop()
	return nil
}

// Sweep discards every session whose age exceeds the retention window
// relative to now and returns how many were removed. The enumerate then
// act loop tolerates sessions disappearing concurrently: a session
// merged or retired between listing and sweeping counts as success.
func (service *Service) Sweep(ctx context.Context, now time.Time) (removed int, err error) {
	defer mon.Task()(&ctx)(&err)

	expired, err := service.sessions.ListExpired(ctx, now.Add(-service.window))
	if err != nil {
		return 0, Error.Wrap(err)
	}

	for _, session := range expired {
		if err := ctx.Err(); err != nil {
			return removed, Error.Wrap(err)
		}

		freed, err := service.chunks.Discard(ctx, session.Tenant, session.ID)
		if err != nil {
			service.log.Warn("unable to discard chunks of stale session",
				zap.String("tenant", string(session.Tenant)),
				zap.String("session", session.ID),
				zap.Error(err))
			continue
		}
		if freed > 0 {
			if err := service.acct.Release(ctx, session.Tenant, freed); err != nil {
				service.log.Warn("unable to release quota of stale session",
					zap.String("tenant", string(session.Tenant)),
					zap.String("session", session.ID),
					zap.Int64("freed", freed),
					zap.Error(err))
			}
		}
		if err := service.sessions.Delete(ctx, session.Tenant, session.ID); err != nil {
			service.log.Warn("unable to retire stale session",
				zap.String("tenant", string(session.Tenant)),
				zap.String("session", session.ID),
				zap.Error(err))
			continue
		}

		service.log.Debug("swept stale session",
			zap.String("tenant", string(session.Tenant)),
			zap.String("session", session.ID),
			zap.Int64("freed", freed))
		removed++
	}

	if removed > 0 {
		service.log.Info("sweep", zap.Int("removed", removed))
	}
	return removed, nil
}
