package runtime

import (
	"context"
	"fmt"
	"time"

	errspkg "github.com/drblury/protobus/internal/runtime/errors"
	loggingpkg "github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/subscriptions"
	"github.com/drblury/protobus/transport"
)

// Handler processes one inbound envelope. Returning an error wrapping
// transport.ErrRedeliver asks the transport to redeliver it.
type Handler func(ctx context.Context, env transport.Envelope) error

// HandlerRegistration binds a Handler to the message type it consumes.
type HandlerRegistration struct {
	Name        string
	MessageType routing.MessageType
	Handler     Handler
}

type handlerEntry struct {
	info    *HandlerInfo
	handler Handler
}

// RegisterHandler attaches the provided handler to the service.
func RegisterHandler(svc *Service, cfg HandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.registerHandler(cfg)
}

// RegisterHandlerFor registers h for the message type derived from T.
func RegisterHandlerFor[T any](svc *Service, h Handler) error {
	return RegisterHandler(svc, HandlerRegistration{MessageType: routing.TypeFor[T](), Handler: h})
}

// RegisterFallbackHandler receives every envelope without a dedicated handler.
func RegisterFallbackHandler(svc *Service, h Handler) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	svc.handlersMu.Lock()
	defer svc.handlersMu.Unlock()
	svc.fallback = &handlerEntry{
		info: &HandlerInfo{
			Name:  "fallback",
			Stats: newHandlerStats(svc.getResourceTracker()),
		},
		handler: h,
	}
	return nil
}

func (s *Service) registerHandler(cfg HandlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.MessageType.IsZero() {
		return errspkg.ErrMessageTypeMissing
	}
	if subscriptions.IsControl(cfg.MessageType) {
		return fmt.Errorf("%w: %s is reserved for subscription control", errspkg.ErrHandlerExists, cfg.MessageType)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.MessageType.Name + "-Handler"
	}

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, exists := s.handlers[cfg.MessageType]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrHandlerExists, cfg.MessageType)
	}

	info := &HandlerInfo{
		Name:        cfg.Name,
		MessageType: cfg.MessageType,
		Stats:       newHandlerStats(s.getResourceTracker()),
	}
	s.handlers[cfg.MessageType] = &handlerEntry{info: info, handler: cfg.Handler}
	s.handlerOrder = append(s.handlerOrder, cfg.MessageType)
	return nil
}

// Handlers lists registered handlers in registration order, fallback last.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]*HandlerInfo, 0, len(s.handlerOrder)+1)
	for _, mt := range s.handlerOrder {
		out = append(out, s.handlers[mt].info)
	}
	if s.fallback != nil {
		out = append(out, s.fallback.info)
	}
	return out
}

// Receive is the transport.Receiver for every transport the service owns.
// Subscription control envelopes update the registry; everything else goes
// through the middleware chain to the handler for its type.
func (s *Service) Receive(ctx context.Context, env transport.Envelope) error {
	if subscriptions.IsControl(env.MessageType) {
		if err := s.registry.HandleAnnouncement(ctx, env); err != nil {
			s.Logger.Error("Rejected subscription announcement", err, loggingpkg.LogFields{
				"message_id": env.ID,
			})
			return nil
		}
		s.Logger.Debug("Applied subscription announcement", loggingpkg.LogFields{
			"message_id":   env.ID,
			"message_type": env.MessageType.String(),
		})
		return nil
	}

	s.handlersMu.RLock()
	entry, ok := s.handlers[env.MessageType]
	if !ok {
		entry = s.fallback
	}
	middlewares := s.middlewares
	s.handlersMu.RUnlock()

	if entry == nil {
		s.Logger.Trace("No handler registered, dropping message", loggingpkg.LogFields{
			"message_id":   env.ID,
			"message_type": env.MessageType.String(),
		})
		return nil
	}

	h := chain(wrapHandlerWithStats(entry.handler, entry.info.Stats, s.getErrorClassifier()), middlewares)
	return h(ctx, env)
}

func wrapHandlerWithStats(handler Handler, stats *HandlerStats, classifier ErrorClassifier) Handler {
	return func(ctx context.Context, env transport.Envelope) error {
		stats.onMessageStart()
		start := time.Now()
		err := handler(ctx, env)
		stats.onMessageFinish(time.Since(start), err, classifier)
		return err
	}
}
