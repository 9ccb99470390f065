package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/internal/runtime/ids"
	"github.com/drblury/protobus/internal/runtime/logging"
)

// Set activates a group of transports as one lifecycle stage and dispatches
// sends to the transport owning each destination's protocol.
type Set struct {
	transports []*Transport
	byProtocol map[string]*Transport
}

// NewSet groups transports. Two transports for the same protocol are rejected.
func NewSet(transports ...*Transport) (*Set, error) {
	s := &Set{byProtocol: make(map[string]*Transport, len(transports))}
	for _, t := range transports {
		if t == nil {
			continue
		}
		if _, dup := s.byProtocol[t.Protocol()]; dup {
			return nil, fmt.Errorf("duplicate transport for protocol %q", t.Protocol())
		}
		s.byProtocol[t.Protocol()] = t
		s.transports = append(s.transports, t)
	}
	return s, nil
}

// Transports returns the members in registration order.
func (s *Set) Transports() []*Transport {
	return append([]*Transport(nil), s.transports...)
}

// For returns the transport owning addr.
func (s *Set) For(addr endpoint.Address) (*Transport, bool) {
	t, ok := s.byProtocol[strings.ToLower(addr.Protocol)]
	return t, ok
}

// Activate starts every transport concurrently and waits for all of them.
// If any fails, the ones that did start are deactivated again and the
// joined errors are returned.
func (s *Set) Activate(ctx context.Context, log logging.ActivationLog) error {
	errs := make([]error, len(s.transports))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range s.transports {
		g.Go(func() error {
			errs[i] = t.Activate(gctx, log)
			return errs[i]
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err == nil {
		return nil
	}
	for i := len(s.transports) - 1; i >= 0; i-- {
		if errs[i] != nil {
			continue
		}
		if rbErr := s.transports[i].Deactivate(context.WithoutCancel(ctx), log); rbErr != nil {
			log.Warn("Rolling back transport failed", rbErr, logging.LogFields{"protocol": s.transports[i].Protocol()})
		}
	}
	return err
}

// Deactivate stops every transport in reverse order and joins their errors.
func (s *Set) Deactivate(ctx context.Context, log logging.ActivationLog) error {
	var errs []error
	for i := len(s.transports) - 1; i >= 0; i-- {
		if err := s.transports[i].Deactivate(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send hands env to the transport owning dest.
func (s *Set) Send(ctx context.Context, env Envelope, dest endpoint.Address) (SendResult, error) {
	t, ok := s.For(dest)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrNoTransport, dest.Protocol)
		return SendResult{Destination: dest, Protocol: dest.Protocol, MessageID: env.ID, Err: err}, err
	}
	return t.Send(ctx, env, dest)
}

// SendAll sends env to each destination and reports every outcome. Failures
// do not stop the remaining sends; the returned error joins them.
func (s *Set) SendAll(ctx context.Context, env Envelope, dests []endpoint.Address) ([]SendResult, error) {
	if env.ID == "" {
		env.ID = ids.CreateULID()
	}
	results := make([]SendResult, 0, len(dests))
	var errs []error
	for _, dest := range dests {
		res, err := s.Send(ctx, env, dest)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}
