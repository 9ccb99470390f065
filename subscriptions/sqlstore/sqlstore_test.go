package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/subscriptions"
)

var (
	newUser  = routing.MessageType{Module: "example.com/contracts", Name: "NewUser"}
	editUser = routing.MessageType{Module: "example.com/contracts", Name: "EditUser"}
)

func sub(uri string, mt routing.MessageType) subscriptions.Subscription {
	return subscriptions.Subscription{Subscriber: endpoint.MustParse(uri), MessageType: mt}
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	a := sub("lq.tcp://a:2424/q", newUser)
	b := sub("lq.tcp://b:2424/q", editUser)
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))
	require.NoError(t, s.Save(ctx, sub("lq.tcp://A:2424/q", newUser)), "duplicate by key is ignored")

	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []subscriptions.Subscription{a, b}, loaded)

	require.NoError(t, s.Delete(ctx, a))
	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []subscriptions.Subscription{b}, loaded)
}

func TestSQLiteStorePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subs.db")

	first, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, sub("nats://broker:4222/orders", newUser)))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer second.Close()
	loaded, err := second.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "nats", loaded[0].Subscriber.Protocol)
}

func TestNewLeavesBorrowedDBOpen(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	s, err := New(ctx, db, SQLite)
	require.NoError(t, err)
	assert.Same(t, db, s.DB())
	require.NoError(t, s.Close())
	assert.NoError(t, db.PingContext(ctx))
}

func TestOpenValidatesArguments(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
	_, err = OpenPostgres(context.Background(), "")
	assert.Error(t, err)
}

func TestPostgresDialectUsesNumberedPlaceholders(t *testing.T) {
	assert.Equal(t, "postgres", Postgres.Driver)
	assert.Contains(t, Postgres.Insert, "$3")
	assert.Contains(t, Postgres.Delete, "$2")
	assert.Contains(t, Postgres.Schema, "BIGSERIAL")
}

func TestRegistryWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)

	r := subscriptions.NewRegistry(subscriptions.Options{Store: s})
	defer r.Close()
	a := endpoint.MustParse("lq.tcp://a:2424/q")
	require.NoError(t, r.Subscribe(ctx, a, newUser))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []subscriptions.Subscription{{Subscriber: a, MessageType: newUser}}, loaded)
}
