// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package artifacts implements the finished-file namespace. Artifacts
// are created only by merging a completed upload session; they are
// listed, downloaded and deleted per tenant and category.
package artifacts

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/quota"
	"storj.io/depot/depot/tenants"
)

var (
	// Error is the default artifacts error class.
	Error = errs.Class("artifacts")
	// ErrNotFound is returned when the requested artifact does not
	// exist for the tenant.
	ErrNotFound = errs.Class("artifact not found")

	mon = monkit.Package()
)

// Info describes a finished artifact.
type Info struct {
	Category string
	Filename string
	Size     int64
	ModTime  time.Time
}

// CategoryInfo describes one category of a tenant.
type CategoryInfo struct {
	Name      string
	FileCount int
}

// SanitizeFilename reduces a client supplied filename to a safe base
// name.
func SanitizeFilename(name string) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return "", Error.New("invalid filename %q", name)
	}
	return name, nil
}

// SanitizeCategory validates a category label. Categories are namespace
// labels, not paths; an empty category falls back to "general".
func SanitizeCategory(category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return "general", nil
	}
	if strings.ContainsAny(category, "/\\") || category == "." || category == ".." {
		return "", Error.New("invalid category %q", category)
	}
	return category, nil
}

// Store persists finished artifacts per (tenant, category).
type Store struct {
	log   *zap.Logger
	blobs blobstore.Blobs
	acct  *quota.Accountant
}

// NewStore creates an artifact store.
func NewStore(log *zap.Logger, blobs blobstore.Blobs, acct *quota.Accountant) *Store {
	return &Store{
		log:   log,
		blobs: blobs,
		acct:  acct,
	}
}

// artifactNamespace uses the blob store's injective join so that a
// tenant id or category containing a separator can never alias another
// tenant's namespace.
func artifactNamespace(tenant tenants.ID, category string) []byte {
	return blobstore.JoinNamespace(tenant.Bytes(), []byte(category))
}

func splitNamespace(tenant tenants.ID, namespace []byte) (category string, ok bool) {
	parts, err := blobstore.SplitNamespace(namespace)
	if err != nil || len(parts) != 2 || !bytes.Equal(parts[0], tenant.Bytes()) {
		return "", false
	}
	return string(parts[1]), true
}

// Create starts writing an artifact. The data becomes visible only on
// Commit, which atomically replaces any artifact of the same name.
func (store *Store) Create(ctx context.Context, tenant tenants.ID, category, filename string) (_ blobstore.BlobWriter, err error) {
	defer mon.Task()(&ctx)(&err)

	filename, err = SanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	category, err = SanitizeCategory(category)
	if err != nil {
		return nil, err
	}

	writer, err := store.blobs.Create(ctx, blobstore.BlobRef{
		Namespace: artifactNamespace(tenant, category),
		Key:       []byte(filename),
	})
	return writer, Error.Wrap(err)
}

// Stat returns metadata of an artifact.
func (store *Store) Stat(ctx context.Context, tenant tenants.ID, category, filename string) (_ Info, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := store.blobs.Stat(ctx, blobstore.BlobRef{
		Namespace: artifactNamespace(tenant, category),
		Key:       []byte(filename),
	})
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound.New("tenant %q category %q filename %q", tenant, category, filename)
		}
		return Info{}, Error.Wrap(err)
	}
	return Info{
		Category: category,
		Filename: filename,
		Size:     info.Size,
		ModTime:  info.ModTime,
	}, nil
}

// Open opens an artifact for reading.
func (store *Store) Open(ctx context.Context, tenant tenants.ID, category, filename string) (_ blobstore.BlobReader, err error) {
	defer mon.Task()(&ctx)(&err)

	reader, err := store.blobs.Open(ctx, blobstore.BlobRef{
		Namespace: artifactNamespace(tenant, category),
		Key:       []byte(filename),
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound.New("tenant %q category %q filename %q", tenant, category, filename)
		}
		return nil, Error.Wrap(err)
	}
	return reader, nil
}

// Delete removes an artifact and returns its bytes to the tenant's
// quota.
func (store *Store) Delete(ctx context.Context, tenant tenants.ID, category, filename string) (err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := store.Stat(ctx, tenant, category, filename)
	if err != nil {
		return err
	}

	err = store.blobs.Delete(ctx, blobstore.BlobRef{
		Namespace: artifactNamespace(tenant, category),
		Key:       []byte(filename),
	})
	if err != nil {
		return Error.Wrap(err)
	}

	if err := store.acct.Release(ctx, tenant, info.Size); err != nil {
		return err
	}

	store.log.Info("deleted artifact",
		zap.String("tenant", string(tenant)),
		zap.String("category", category),
		zap.String("filename", filename),
		zap.Int64("size", info.Size))
	return nil
}

// ListCategory returns every artifact of a tenant in one category,
// sorted by filename.
func (store *Store) ListCategory(ctx context.Context, tenant tenants.ID, category string) (_ []Info, err error) {
	defer mon.Task()(&ctx)(&err)

	namespace := artifactNamespace(tenant, category)
	keys, err := store.blobs.ListKeys(ctx, namespace)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	infos := make([]Info, 0, len(keys))
	for _, key := range keys {
		stat, err := store.blobs.Stat(ctx, blobstore.BlobRef{Namespace: namespace, Key: key})
		if err != nil {
			if os.IsNotExist(err) {
				// deleted between listing and stat
				continue
			}
			return nil, Error.Wrap(err)
		}
		infos = append(infos, Info{
			Category: category,
			Filename: string(key),
			Size:     stat.Size,
			ModTime:  stat.ModTime,
		})
	}
	return infos, nil
}

// List returns every artifact of a tenant across all categories.
func (store *Store) List(ctx context.Context, tenant tenants.ID) (_ []Info, err error) {
	defer mon.Task()(&ctx)(&err)

	categories, err := store.categories(ctx, tenant)
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, category := range categories {
		categoryInfos, err := store.ListCategory(ctx, tenant, category)
		if err != nil {
			return nil, err
		}
		infos = append(infos, categoryInfos...)
	}
	sort.Slice(infos, func(i, k int) bool {
		if infos[i].Category != infos[k].Category {
			return infos[i].Category < infos[k].Category
		}
		return infos[i].Filename < infos[k].Filename
	})
	return infos, nil
}

// Categories returns each category of a tenant with its file count.
func (store *Store) Categories(ctx context.Context, tenant tenants.ID) (_ []CategoryInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	categories, err := store.categories(ctx, tenant)
	if err != nil {
		return nil, err
	}

	infos := make([]CategoryInfo, 0, len(categories))
	for _, category := range categories {
		keys, err := store.blobs.ListKeys(ctx, artifactNamespace(tenant, category))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		infos = append(infos, CategoryInfo{Name: category, FileCount: len(keys)})
	}
	return infos, nil
}

func (store *Store) categories(ctx context.Context, tenant tenants.ID) ([]string, error) {
	namespaces, err := store.blobs.ListNamespaces(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var categories []string
	for _, namespace := range namespaces {
		if category, ok := splitNamespace(tenant, namespace); ok {
			categories = append(categories, category)
		}
	}
	sort.Strings(categories)
	return categories, nil
}

// SpaceUsedByTenant sums the bytes of every artifact of a tenant.
func (store *Store) SpaceUsedByTenant(ctx context.Context, tenant tenants.ID) (total int64, err error) {
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
