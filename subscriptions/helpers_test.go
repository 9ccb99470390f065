package subscriptions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/transport"
)

var (
	newUser  = routing.MessageType{Module: "example.com/contracts", Name: "NewUser"}
	editUser = routing.MessageType{Module: "example.com/contracts", Name: "EditUser"}
)

func addr(t *testing.T, uri string) endpoint.Address {
	t.Helper()
	a, err := endpoint.ParseAny(uri)
	require.NoError(t, err)
	return a
}

type sent struct {
	env  transport.Envelope
	dest endpoint.Address
}

type fakeAnnouncer struct {
	mu     sync.Mutex
	sent   []sent
	failTo map[string]error
}

func (a *fakeAnnouncer) Send(ctx context.Context, env transport.Envelope, dest endpoint.Address) (transport.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failTo[dest.Key()]; err != nil {
		return transport.SendResult{Destination: dest, Err: err}, err
	}
	a.sent = append(a.sent, sent{env: env, dest: dest})
	return transport.SendResult{Destination: dest, MessageID: env.ID}, nil
}

type failingStore struct {
	MemoryStore
	loadErr error
	saveErr error
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: MemoryStore{index: make(map[string]int)}}
}

func (s *failingStore) Load(ctx context.Context) ([]Subscription, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.MemoryStore.Load(ctx)
}

func (s *failingStore) Save(ctx context.Context, sub Subscription) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, sub)
}

var errBoom = errors.New("boom")

func newLog() *logging.ActivationRecord {
	return logging.NewActivationRecord(nil)
}
