// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package quota tracks bytes consumed by stored chunks and finished
// artifacts per tenant and enforces each tenant's ceiling at write time.
package quota

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/tenants"
)

var (
	// Error is the default quota error class.
	Error = errs.Class("quota")
	// ErrExceeded is returned when a reservation would breach the
	// tenant's ceiling. No state changes when it is returned.
	ErrExceeded = errs.Class("quota exceeded")

	mon = monkit.Package()
)

const fileMode = 0600

var (
	defaultTimeout = 1 * time.Second

	usageBucket = []byte("usage")
	limitBucket = []byte("limits")
)

// Ledger is the durable per-tenant usage and limit store.
type Ledger struct {
	logger       *zap.Logger
	db           *bolt.DB
	defaultLimit int64
}

// NewLedger opens a ledger database at path. Tenants without an explicit
// limit fall back to defaultLimit; a non-positive defaultLimit means
// unlimited.
func NewLedger(logger *zap.Logger, path string, defaultLimit int64) (*Ledger, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(usageBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(limitBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	return &Ledger{
		logger:       logger,
		db:           db,
		defaultLimit: defaultLimit,
	}, nil
}

// Close closes the ledger database.
func (ledger *Ledger) Close() error {
	return Error.Wrap(ledger.db.Close())
}

func encodeInt64(value int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	return buf[:]
}

func decodeInt64(data []byte) int64 {
	if len(data) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

// Usage returns the committed byte usage of a tenant.
func (ledger *Ledger) Usage(ctx context.Context, tenant tenants.ID) (used int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = ledger.db.View(func(tx *bolt.Tx) error {
		used = decodeInt64(tx.Bucket(usageBucket).Get(tenant.Bytes()))
		return nil
	})
	return used, Error.Wrap(err)
}

// Limit returns the byte ceiling of a tenant.
func (ledger *Ledger) Limit(ctx context.Context, tenant tenants.ID) (limit int64, err error) {
	defer mon.Task()(&ctx)(&err)

	limit = ledger.defaultLimit
	err = ledger.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(limitBucket).Get(tenant.Bytes()); data != nil {
			limit = decodeInt64(data)
		}
		return nil
	})
	return limit, Error.Wrap(err)
}

// SetLimit sets the byte ceiling of a tenant.
func (ledger *Ledger) SetLimit(ctx context.Context, tenant tenants.ID, limit int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = ledger.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(limitBucket).Put(tenant.Bytes(), encodeInt64(limit))
	})
	return Error.Wrap(err)
}

// AdjustUsage applies a delta to the committed usage of a tenant. The
// committed value never drops below zero.
func (ledger *Ledger) AdjustUsage(ctx context.Context, tenant tenants.ID, delta int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = ledger.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(usageBucket)
		used := decodeInt64(bucket.Get(tenant.Bytes())) + delta
		if used < 0 {
			ledger.logger.Warn("usage adjustment below zero",
				zap.String("tenant", string(tenant)),
				zap.Int64("delta", delta))
			used = 0
		}
		return bucket.Put(tenant.Bytes(), encodeInt64(used))
	})
	return Error.Wrap(err)
}

// SetUsage overwrites the committed usage of a tenant, used by crash
// recovery after re-scanning storage.
func (ledger *Ledger) SetUsage(ctx context.Context, tenant tenants.ID, used int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if used < 0 {
		used = 0
	}
	err = ledger.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usageBucket).Put(tenant.Bytes(), encodeInt64(used))
	})
	return Error.Wrap(err)
}

// Tenants returns every tenant with a usage record.
func (ledger *Ledger) Tenants(ctx context.Context) (ids []tenants.ID, err error) {
	defer mon.Task()(&ctx)(&err)

	err = ledger.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usageBucket).ForEach(func(key, _ []byte) error {
			ids = append(ids, tenants.ID(key))
			return nil
		})
	})
	return ids, Error.Wrap(err)
}
