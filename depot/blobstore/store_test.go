// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package blobstore_test

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/internal/testcontext"
	"storj.io/depot/internal/testrand"
)

func TestStoreBasics(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := blobstore.NewAt(ctx.Dir("blobs"))
	require.NoError(t, err)

	ref := blobstore.BlobRef{
		Namespace: []byte("tenant/session"),
		Key:       []byte{0, 0, 0, 7},
	}
	data := testrand.BytesN(1024)

	// absent blob
	_, err = store.Open(ctx, ref)
	require.True(t, os.IsNotExist(err))
	_, err = store.Stat(ctx, ref)
	require.True(t, os.IsNotExist(err))

	// write and commit
	writer, err := store.Create(ctx, ref)
	require.NoError(t, err)
	_, err = writer.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	// read back
	reader, err := store.Open(ctx, ref)
	require.NoError(t, err)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, data, got)

	info, err := store.Stat(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size)

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Stat(ctx, ref)
	require.True(t, os.IsNotExist(err))
}

func TestStoreCancelLeavesNothing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := blobstore.NewAt(ctx.Dir("blobs"))
	require.NoError(t, err)

	ref := blobstore.BlobRef{Namespace: []byte("ns"), Key: []byte("key")}

	writer, err := store.Create(ctx, ref)
	require.NoError(t, err)
	_, err = writer.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, writer.Cancel())

	_, err = store.Stat(ctx, ref)
	require.True(t, os.IsNotExist(err))
}

func TestStoreCommitOverwrites(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := blobstore.NewAt(ctx.Dir("blobs"))
	require.NoError(t, err)

	ref := blobstore.BlobRef{Namespace: []byte("ns"), Key: []byte("key")}

	for _, content := range []string{"first version", "second"} {
		writer, err := store.Create(ctx, ref)
		require.NoError(t, err)
		_, err = writer.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, writer.Commit())
	}

	reader, err := store.Open(ctx, ref)
	require.NoError(t, err)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, "second", string(got))
}

func TestStoreListKeysSorted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := blobstore.NewAt(ctx.Dir("blobs"))
	require.NoError(t, err)

	namespace := []byte("tenant/session")
	// includes a short key and out of order writes
	keys := [][]byte{
		{0, 0, 0, 9},
		{1},
		{0, 0, 0, 1},
		{0, 0, 0, 0},
	}
	for _, key := range keys {
		writer, err := store.Create(ctx, blobstore.BlobRef{Namespace: namespace, Key: key})
		require.NoError(t, err)
		_, err = writer.Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, writer.Commit())
	}

	listed, err := store.ListKeys(ctx, namespace)
	require.NoError(t, err)
	require.Equal(t, [][]byte{
		{0, 0, 0, 0},
		{0, 0, 0, 1},
		{0, 0, 0, 9},
		{1},
	}, listed)

	// unrelated namespace is empty
	other, err := store.ListKeys(ctx, []byte("elsewhere"))
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestStoreNamespaces(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := blobstore.NewAt(ctx.Dir("blobs"))
	require.NoError(t, err)

	write := func(namespace, key string, size int) {
		writer, err := store.Create(ctx, blobstore.BlobRef{
			Namespace: []byte(namespace),
			Key:       []byte(key),
		})
		require.NoError(t, err)
		_, err = writer.Write(testrand.BytesN(size))
		require.NoError(t, err)
		require.NoError(t, writer.Commit())
	}

	write("alpha/one", "a", 100)
	write("alpha/one", "b", 50)
	write("alpha/two", "c", 25)

	namespaces, err := store.ListNamespaces(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, [][]byte{[]byte("alpha/one"), []byte("alpha/two")}, namespaces)

	used, err := store.SpaceUsed(ctx, []byte("alpha/one"))
	require.NoError(t, err)
	require.Equal(t, int64(150), used)

	require.NoError(t, store.DeleteNamespace(ctx, []byte("alpha/one")))
	// idempotent
	require.NoError(t, store.DeleteNamespace(ctx, []byte("alpha/one")))

	used, err = store.SpaceUsed(ctx, []byte("alpha/one"))
	require.NoError(t, err)
	require.Zero(t, used)

	used, err = store.SpaceUsed(ctx, []byte("alpha/two"))
	require.NoError(t, err)
	require.Equal(t, int64(25), used)
}
