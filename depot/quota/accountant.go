// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package quota

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"storj.io/depot/depot/tenants"
)

// Accountant serializes quota mutations per tenant and provides two
// phase reserve/commit semantics so that concurrent chunk writers of the
// same tenant can never overshoot the ceiling.
//
// Reserve holds the delta as pending until Commit makes it durable in
// the ledger or Rollback releases it. Pending amounts count against the
// ceiling, committed usage is what the ledger reports.
type Accountant struct {
	log    *zap.Logger
	ledger *Ledger

	mu     sync.Mutex
	states map[tenants.ID]*tenantState
}

// tenantState is reference counted: acquire/release bracket every use,
// and the entry is dropped once the last holder releases it with no
// pending reservation, so idle tenants do not accumulate state.
type tenantState struct {
	mu      sync.Mutex
	refs    int
	pending int64
}

// NewAccountant creates an accountant on top of a ledger.
func NewAccountant(log *zap.Logger, ledger *Ledger) *Accountant {
	return &Accountant{
		log:    log,
		ledger: ledger,
		states: map[tenants.ID]*tenantState{},
	}
}

func (acct *Accountant) acquire(tenant tenants.ID) *tenantState {
	acct.mu.Lock()
	defer acct.mu.Unlock()

	state, ok := acct.states[tenant]
	if !ok {
		state = &tenantState{}
		acct.states[tenant] = state
	}
	state.refs++
	return state
}

func (acct *Accountant) release(tenant tenants.ID, state *tenantState) {
	acct.mu.Lock()
	defer acct.mu.Unlock()

	state.refs--
	if state.refs == 0 && state.pending == 0 {
		delete(acct.states, tenant)
	}
}

// Reservation is a pending quota mutation. Exactly one of Commit or
// Rollback must be called; both are idempotent.
type Reservation struct {
	acct   *Accountant
	tenant tenants.ID
	state  *tenantState
	delta  int64

	once sync.Once
}

// Reserve asks for delta bytes of quota for the tenant. A positive delta
// is refused with ErrExceeded when committed plus pending usage would
// breach the tenant's limit. A negative delta always succeeds.
func (acct *Accountant) Reserve(ctx context.Context, tenant tenants.ID, delta int64) (_ *Reservation, err error) {
	defer mon.Task()(&ctx)(&err)

	state := acct.acquire(tenant)
	state.mu.Lock()

	if delta > 0 {
		used, err := acct.ledger.Usage(ctx, tenant)
		if err != nil {
			state.mu.Unlock()
			acct.release(tenant, state)
			return nil, err
		}
		limit, err := acct.ledger.Limit(ctx, tenant)
		if err != nil {
			state.mu.Unlock()
			acct.release(tenant, state)
			return nil, err
		}
		if limit > 0 && used+state.pending+delta > limit {
			pending := state.pending
			state.mu.Unlock()
			acct.release(tenant, state)
			return nil, ErrExceeded.New("tenant %q: %d used, %d pending, %d requested, %d limit",
				tenant, used, pending, delta, limit)
		}
	}

	state.pending += delta
	state.mu.Unlock()

	// the reference is held until Commit or Rollback
	return &Reservation{acct: acct, tenant: tenant, state: state, delta: delta}, nil
}

// Commit makes the reserved delta durable.
func (res *Reservation) Commit(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	res.once.Do(func() {
		res.state.mu.Lock()
		res.state.pending -= res.delta
		err = res.acct.ledger.AdjustUsage(ctx, res.tenant, res.delta)
		res.state.mu.Unlock()

		res.acct.release(res.tenant, res.state)
	})
	return err
}

// Rollback releases the reserved delta without touching the ledger.
func (res *Reservation) Rollback() {
	res.once.Do(func() {
		res.state.mu.Lock()
		res.state.pending -= res.delta
		res.state.mu.Unlock()

		res.acct.release(res.tenant, res.state)
	})
}

// Release frees amount bytes of committed usage for the tenant. It is a
// convenience wrapper over a negative reserve and immediate commit, used
// for chunk discards and artifact deletion, which must never fail the
// calling operation on quota grounds.
func (acct *Accountant) Release(ctx context.Context, tenant tenants.ID, amount int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if amount <= 0 {
		return nil
	}
	res, err := acct.Reserve(ctx, tenant, -amount)
	if err != nil {
		return err
	}
	return res.Commit(ctx)
}

// Usage returns the committed usage and limit of a tenant.
func (acct *Accountant) Usage(ctx context.Context, tenant tenants.ID) (used, limit int64, err error) {
	defer mon.Task()(&ctx)(&err)

	used, err = acct.ledger.Usage(ctx, tenant)
	if err != nil {
		return 0, 0, err
	}
	limit, err = acct.ledger.Limit(ctx, tenant)
	if err != nil {
		return 0, 0, err
	}
	return used, limit, nil
}

// Recalculate overwrites the committed usage of a tenant from a storage
// re-scan. Used at startup when the ledger's durability is in question.
func (acct *Accountant) Recalculate(ctx context.Context, tenant tenants.ID, usedBytes int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	state := acct.acquire(tenant)
	defer acct.release(tenant, state)

	state.mu.Lock()
	defer state.mu.Unlock()

	acct.log.Debug("recalculated usage",
		zap.String("tenant", string(tenant)),
		zap.Int64("used", usedBytes))
	return acct.ledger.SetUsage(ctx, tenant, usedBytes)
}
