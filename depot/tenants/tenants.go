// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tenants provides tenant identity for request scoped
// operations. The upload engine never inspects credentials itself; it
// only needs a stable tenant id per authenticated request.
package tenants

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the default tenants error class.
	Error = errs.Class("tenants")
	// ErrUnauthenticated is returned when no tenant identity is present.
	ErrUnauthenticated = errs.Class("unauthenticated")
	// ErrUnauthorized is returned when a tenant accesses a resource it
	// does not own.
	ErrUnauthorized = errs.Class("unauthorized")
)

// ID is a stable tenant identifier.
type ID string

// Bytes returns the id as a byte slice for use in storage keys.
func (id ID) Bytes() []byte { return []byte(id) }

// Provider yields the tenant for the current request.
type Provider interface {
	// CurrentTenant returns the authenticated tenant, or an
	// ErrUnauthenticated class error when identity is absent.
	CurrentTenant(ctx context.Context) (ID, error)
}

type tenantKey struct{}

// WithTenant attaches a tenant id to the context.
func WithTenant(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, tenantKey{}, id)
}

// FromContext returns the tenant id attached to the context.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(tenantKey{}).(ID)
	return id, ok
}

// ContextProvider resolves the tenant from the request context. The
// transport layer is responsible for authenticating the request and
// calling WithTenant before handing the context to the engine.
type ContextProvider struct{}

// CurrentTenant implements Provider.
func (ContextProvider) CurrentTenant(ctx context.Context) (ID, error) {
	id, ok := FromContext(ctx)
	if !ok || id == "" {
		return "", ErrUnauthenticated.New("no tenant in context")
	}
	return id, nil
}

// APIKeyProvider maps static API keys to tenant ids. It mirrors header
// based deployments where each client holds a pre-shared key.
type APIKeyProvider struct {
	keys map[string]ID
}

// NewAPIKeyProvider creates a provider from a key to tenant mapping.
func NewAPIKeyProvider(keys map[string]ID) *APIKeyProvider {
	cloned := make(map[string]ID, len(keys))
	for key, id := range keys {
		cloned[key] = id
	}
	return &APIKeyProvider{keys: cloned}
}

// Lookup resolves an API key to a tenant id.
func (provider *APIKeyProvider) Lookup(key string) (ID, error) {
	id, ok := provider.keys[key]
	if !ok {
		return "", ErrUnauthenticated.New("unknown api key")
	}
	return id, nil
}

type apiKeyContext struct{ key string }

type apiKeyKey struct{}

// WithAPIKey attaches a request api key to the context.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, apiKeyKey{}, apiKeyContext{key: key})
}

// CurrentTenant implements Provider by resolving the api key attached
// to the context.
func (provider *APIKeyProvider) CurrentTenant(ctx context.Context) (ID, error) {
	val, ok := ctx.Value(apiKeyKey{}).(apiKeyContext)
	if !ok {
		return "", ErrUnauthenticated.New("no api key in context")
	}
	return provider.Lookup(val.key)
}
