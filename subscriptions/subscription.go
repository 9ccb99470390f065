// Package subscriptions tracks which remote endpoints want which message
// types, persists that interest through a Store and announces the local
// process's own interest to publishers when the bus activates.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/routing"
)

// ErrInvalidSubscription is returned for subscriptions missing an address or type.
var ErrInvalidSubscription = errors.New("protobus: invalid subscription")

// Subscription is a remote endpoint's interest in one message type.
type Subscription struct {
	Subscriber  endpoint.Address
	MessageType routing.MessageType
}

// Validate checks both halves are set and the message type survives a
// store round trip.
func (s Subscription) Validate() error {
	if s.Subscriber.IsZero() {
		return fmt.Errorf("%w: subscriber address is required", ErrInvalidSubscription)
	}
	if s.MessageType.IsZero() {
		return fmt.Errorf("%w: message type is required", ErrInvalidSubscription)
	}
	if err := s.MessageType.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}
	return nil
}

// Key identifies the subscription independent of address casing.
func (s Subscription) Key() string {
	return s.MessageType.String() + "|" + s.Subscriber.Key()
}

func (s Subscription) String() string {
	return s.Subscriber.String() + " <- " + s.MessageType.String()
}

// Requirement is interest this process has in a type published elsewhere.
// On activation the registry asks Publisher to deliver MessageType to
// Subscriber.
type Requirement struct {
	Publisher   endpoint.Address
	Subscriber  endpoint.Address
	MessageType routing.MessageType
}

// Subscription returns the subscription the publisher should record.
func (r Requirement) Subscription() Subscription {
	return Subscription{Subscriber: r.Subscriber, MessageType: r.MessageType}
}

// Store persists subscriptions outside the process.
type Store interface {
	Load(ctx context.Context) ([]Subscription, error)
	Save(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, sub Subscription) error
	Close() error
}

// MemoryStore keeps subscriptions for the life of the process only.
type MemoryStore struct {
	mu    sync.Mutex
	subs  []Subscription
	index map[string]int
}

// NewMemoryStore returns an empty store, optionally seeded.
func NewMemoryStore(seed ...Subscription) *MemoryStore {
	s := &MemoryStore{index: make(map[string]int)}
	for _, sub := range seed {
		_ = s.Save(context.Background(), sub)
	}
	return s
}

func (s *MemoryStore) Load(ctx context.Context) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subs...), nil
}

func (s *MemoryStore) Save(ctx context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[sub.Key()]; ok {
		return nil
	}
	s.index[sub.Key()] = len(s.subs)
	s.subs = append(s.subs, sub)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[sub.Key()]
	if !ok {
		return nil
	}
	s.subs = append(s.subs[:i], s.subs[i+1:]...)
	delete(s.index, sub.Key())
	for j := i; j < len(s.subs); j++ {
		s.index[s.subs[j].Key()] = j
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
