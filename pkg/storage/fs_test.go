package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/model"
)

func TestFSStorePutGet(t *testing.T) {
	store, err := NewFSStore(afero.NewMemMapFs(), "/artifacts")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "classifier/latest.json", []byte(`{"v":1}`), "application/json"))
	data, err := store.Get(ctx, "classifier/latest.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))
	assert.NoError(t, store.Ping(ctx))
}

func TestFSStoreMissingKey(t *testing.T) {
	store, err := NewFSStore(afero.NewMemMapFs(), "/artifacts")
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "nope.json")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
