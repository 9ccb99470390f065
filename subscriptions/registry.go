package subscriptions

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/internal/runtime/metrics"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/transport"
)

// Options configures a Registry. Every field is optional.
type Options struct {
	// Store persists subscriptions. Defaults to a MemoryStore.
	Store Store
	// Announcer carries requirement announcements. Without one,
	// requirements are skipped with a warning.
	Announcer Announcer
	// Requirements are announced on every Activate.
	Requirements []Requirement
	Metrics      *metrics.Metrics
}

// Registry maps message types to subscribed endpoints. Reads take a shared
// lock; Subscribe and Unsubscribe are serialized and write through to the
// Store before the in-memory view changes.
type Registry struct {
	store        Store
	announcer    Announcer
	requirements []Requirement
	metrics      *metrics.Metrics

	mu     sync.RWMutex
	byType map[routing.MessageType][]endpoint.Address
	keys   map[string]struct{}
	count  int
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	return &Registry{
		store:        opts.Store,
		announcer:    opts.Announcer,
		requirements: append([]Requirement(nil), opts.Requirements...),
		metrics:      opts.Metrics,
		byType:       make(map[routing.MessageType][]endpoint.Address),
		keys:         make(map[string]struct{}),
	}
}

// Subscribe records that subscriber wants mt. Subscribing twice is a no-op.
func (r *Registry) Subscribe(ctx context.Context, subscriber endpoint.Address, mt routing.MessageType) error {
	sub := Subscription{Subscriber: subscriber, MessageType: mt}
	if err := sub.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[sub.Key()]; ok {
		return nil
	}
	if err := r.store.Save(ctx, sub); err != nil {
		return fmt.Errorf("failed to persist subscription %s: %w", sub, err)
	}
	r.addLocked(sub)
	r.metrics.SetSubscriptions(r.count)
	return nil
}

// Unsubscribe removes the subscription. Removing an unknown one is a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, subscriber endpoint.Address, mt routing.MessageType) error {
	sub := Subscription{Subscriber: subscriber, MessageType: mt}
	if err := sub.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[sub.Key()]; !ok {
		return nil
	}
	if err := r.store.Delete(ctx, sub); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", sub, err)
	}

	delete(r.keys, sub.Key())
	subs := r.byType[mt]
	subs = slices.DeleteFunc(subs, func(a endpoint.Address) bool { return a.Key() == subscriber.Key() })
	if len(subs) == 0 {
		delete(r.byType, mt)
	} else {
		r.byType[mt] = subs
	}
	r.count--
	r.metrics.SetSubscriptions(r.count)
	return nil
}

// SubscribersOf returns the endpoints subscribed to mt in subscription order.
// The result is never nil.
func (r *Registry) SubscribersOf(mt routing.MessageType) []endpoint.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]endpoint.Address, len(r.byType[mt]))
	copy(out, r.byType[mt])
	return out
}

// All returns every subscription ordered by message type.
func (r *Registry) All() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]routing.MessageType, 0, len(r.byType))
	for mt := range r.byType {
		types = append(types, mt)
	}
	slices.SortFunc(types, func(a, b routing.MessageType) int {
		return strings.Compare(a.String(), b.String())
	})

	out := make([]Subscription, 0, r.count)
	for _, mt := range types {
		for _, addr := range r.byType[mt] {
			out = append(out, Subscription{Subscriber: addr, MessageType: mt})
		}
	}
	return out
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Requirements returns the requirements announced on activation.
func (r *Registry) Requirements() []Requirement {
	return append([]Requirement(nil), r.requirements...)
}

// Activate replaces the in-memory view with the store's contents, then
// announces every requirement. A load failure fails activation; announce
// failures are only logged.
func (r *Registry) Activate(ctx context.Context, log logging.ActivationLog) error {
	loaded, err := r.store.Load(ctx)
	if err != nil {
		log.Error("Failed to load subscriptions", err, nil)
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	r.mu.Lock()
	r.byType = make(map[routing.MessageType][]endpoint.Address)
	r.keys = make(map[string]struct{})
	r.count = 0
	for _, sub := range loaded {
		if err := sub.Validate(); err != nil {
			log.Warn("Skipping invalid stored subscription", err, logging.LogFields{
				"subscription": sub.String(),
			})
			continue
		}
		if _, ok := r.keys[sub.Key()]; !ok {
			r.addLocked(sub)
		}
	}
	count := r.count
	r.mu.Unlock()
	r.metrics.SetSubscriptions(count)

	log.Info("Loaded subscriptions", logging.LogFields{"count": count})

	announced := 0
	for _, req := range r.requirements {
		if err := r.announce(ctx, req); err != nil {
			log.Warn("Failed to announce subscription", err, logging.LogFields{
				"publisher":    req.Publisher.String(),
				"subscriber":   req.Subscriber.String(),
				"message_type": req.MessageType.String(),
			})
			continue
		}
		announced++
	}
	if len(r.requirements) > 0 {
		log.Info("Announced subscriptions", logging.LogFields{
			"announced": announced,
			"total":     len(r.requirements),
		})
	}
	return nil
}

// Deactivate keeps the in-memory view so subscribers survive a restart of
// the bus within the same process.
func (r *Registry) Deactivate(ctx context.Context, log logging.ActivationLog) error {
	log.Trace("Subscription registry deactivated", logging.LogFields{"count": r.Len()})
	return nil
}

// HandleAnnouncement applies an inbound subscribe or unsubscribe envelope.
func (r *Registry) HandleAnnouncement(ctx context.Context, env transport.Envelope) error {
	sub, err := DecodeAnnouncement(env)
	if err != nil {
		return err
	}
	if env.MessageType == UnsubscribeType {
		return r.Unsubscribe(ctx, sub.Subscriber, sub.MessageType)
	}
	return r.Subscribe(ctx, sub.Subscriber, sub.MessageType)
}

// Close closes the store.
func (r *Registry) Close() error {
	return r.store.Close()
}

func (r *Registry) announce(ctx context.Context, req Requirement) error {
	if r.announcer == nil {
		return &AnnounceError{Requirement: req, Err: transport.ErrNoTransport}
	}
	env, err := NewSubscribeEnvelope(req.Subscription())
	if err != nil {
		return &AnnounceError{Requirement: req, Err: err}
	}
	if _, err := r.announcer.Send(ctx, env, req.Publisher); err != nil {
		return &AnnounceError{Requirement: req, Err: err}
	}
	return nil
}

func (r *Registry) addLocked(sub Subscription) {
	r.keys[sub.Key()] = struct{}{}
	r.byType[sub.MessageType] = append(r.byType[sub.MessageType], sub.Subscriber)
	r.count++
}
