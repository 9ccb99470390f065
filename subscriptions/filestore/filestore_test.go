package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/subscriptions"
)

var newUser = routing.MessageType{Module: "example.com/contracts", Name: "NewUser"}

func sub(t *testing.T, uri string) subscriptions.Subscription {
	t.Helper()
	return subscriptions.Subscription{Subscriber: endpoint.MustParse(uri), MessageType: newUser}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "subs.jsonl")
	s, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded, "missing file loads empty")

	a := sub(t, "lq.tcp://a:2424/q")
	b := sub(t, "lq.tcp://b:2424/q")
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))
	require.NoError(t, s.Save(ctx, a))

	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []subscriptions.Subscription{a, b}, loaded)

	require.NoError(t, s.Delete(ctx, a))
	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []subscriptions.Subscription{b}, loaded)
	assert.NoError(t, s.Close())
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subs.jsonl")
	first, err := New(path)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, sub(t, "lq.tcp://a:2424/q")))

	second, err := New(path)
	require.NoError(t, err)
	loaded, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestStoreRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("\n{not json}\n"), 0o644))

	s, err := New(path)
	require.NoError(t, err)
	_, err = s.Load(context.Background())
	assert.ErrorContains(t, err, "line 2")
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestRegistryWithFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subs.jsonl")
	s, err := New(path)
	require.NoError(t, err)

	r := subscriptions.NewRegistry(subscriptions.Options{Store: s})
	a := endpoint.MustParse("lq.tcp://a:2424/q")
	require.NoError(t, r.Subscribe(ctx, a, newUser))

	restarted := subscriptions.NewRegistry(subscriptions.Options{Store: s})
	require.NoError(t, restarted.Activate(ctx, logging.NewActivationRecord(nil)))
	assert.Equal(t, []endpoint.Address{a}, restarted.SubscribersOf(newUser))
}
