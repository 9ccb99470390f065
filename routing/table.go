// Package routing resolves message types to destination endpoints.
//
// A Table holds an ordered list of routes, each pairing a Rule with the
// destinations it contributes. Every matching route adds its destinations to
// the result, so one message type can fan out to several endpoints. Routes are
// added while the bus is being configured; once the table is sealed it is
// read-only and safe for unsynchronised concurrent lookups.
package routing

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/drblury/protobus/endpoint"
)

// ErrTableSealed is returned when a route is added after Seal.
var ErrTableSealed = errors.New("protobus: routing table is sealed")

// Route pairs a rule with the destinations it contributes.
type Route struct {
	Rule         Rule
	Destinations []endpoint.Address
}

// Table is an ordered set of routes.
type Table struct {
	mu     sync.Mutex
	routes []Route
	sealed atomic.Bool
}

// NewTable returns an empty, unsealed table.
func NewTable() *Table {
	return &Table{}
}

// Add appends a route. Insertion order is evaluation order.
func (t *Table) Add(rule Rule, destinations ...endpoint.Address) error {
	if rule == nil {
		return errors.New("protobus: routing rule is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed.Load() {
		return ErrTableSealed
	}
	dests := make([]endpoint.Address, len(destinations))
	copy(dests, destinations)
	t.routes = append(t.routes, Route{Rule: rule, Destinations: dests})
	return nil
}

// Seal freezes the table. Sealing twice is harmless.
func (t *Table) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed.Store(true)
}

// Sealed reports whether the table accepts no more routes.
func (t *Table) Sealed() bool {
	return t.sealed.Load()
}

// DestinationsFor returns the union of the destinations of every route whose
// rule matches mt, deduplicated, in route order. No match yields an empty
// slice: an unrouted type is not an error.
func (t *Table) DestinationsFor(mt MessageType) []endpoint.Address {
	routes := t.snapshot()
	result := make([]endpoint.Address, 0)
	seen := make(map[string]struct{})
	for _, route := range routes {
		if !route.Rule.Matches(mt) {
			continue
		}
		for _, dest := range route.Destinations {
			key := dest.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, dest)
		}
	}
	return result
}

// Routes returns a copy of the configured routes.
func (t *Table) Routes() []Route {
	routes := t.snapshot()
	out := make([]Route, len(routes))
	copy(out, routes)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.snapshot())
}

// snapshot skips the lock once sealed; the slice is never written again.
func (t *Table) snapshot() []Route {
	if t.sealed.Load() {
		return t.routes
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.routes
}
