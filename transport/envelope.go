package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/internal/runtime/ids"
	"github.com/drblury/protobus/internal/runtime/metadata"
	"github.com/drblury/protobus/routing"
)

// Envelope is the unit a transport moves. The payload is opaque to the bus.
type Envelope struct {
	ID          string
	MessageType routing.MessageType
	Payload     []byte
	Headers     metadata.Metadata
	ReplyTo     *endpoint.Address
}

// NewEnvelope assigns a fresh ULID.
func NewEnvelope(mt routing.MessageType, payload []byte) Envelope {
	return Envelope{
		ID:          ids.CreateULID(),
		MessageType: mt,
		Payload:     payload,
		Headers:     metadata.Metadata{},
	}
}

// WithHeader returns a copy carrying key=value.
func (e Envelope) WithHeader(key, value string) Envelope {
	e.Headers = e.Headers.With(key, value)
	return e
}

// WithReplyTo returns a copy that asks receivers to answer at addr.
func (e Envelope) WithReplyTo(addr endpoint.Address) Envelope {
	e.ReplyTo = &addr
	return e
}

// Validate checks the envelope can be sent.
func (e Envelope) Validate() error {
	var errs []error
	if e.MessageType.Name == "" {
		errs = append(errs, errors.New("message type is required"))
	}
	if e.ID != "" && !ids.Valid(e.ID) {
		errs = append(errs, fmt.Errorf("invalid envelope id %q", e.ID))
	}
	return errors.Join(errs...)
}

// ToMessage converts the envelope into a Watermill message addressed to dest.
// An empty ID is filled in.
func (e Envelope) ToMessage(dest endpoint.Address) *message.Message {
	id := e.ID
	if id == "" {
		id = ids.CreateULID()
	}
	msg := message.NewMessage(id, e.Payload)
	msg.Metadata = metadata.ToWatermill(e.Headers)
	msg.Metadata.Set(metadata.KeyMessageType, e.MessageType.String())
	msg.Metadata.Set(metadata.KeySentAt, time.Now().UTC().Format(time.RFC3339Nano))
	if !dest.IsZero() {
		msg.Metadata.Set(metadata.KeyDestination, dest.String())
	}
	if e.ReplyTo != nil {
		msg.Metadata.Set(metadata.KeyReplyTo, e.ReplyTo.String())
	}
	return msg
}

// FromMessage rebuilds an envelope from a received Watermill message.
func FromMessage(msg *message.Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, errors.New("message is nil")
	}
	mt := routing.ParseMessageType(msg.Metadata.Get(metadata.KeyMessageType))
	if mt.IsZero() {
		return Envelope{}, fmt.Errorf("message %s has no %s header", msg.UUID, metadata.KeyMessageType)
	}

	env := Envelope{
		ID:          msg.UUID,
		MessageType: mt,
		Payload:     msg.Payload,
		Headers: metadata.FromWatermill(msg.Metadata).Without(
			metadata.KeyMessageType,
			metadata.KeyReplyTo,
			metadata.KeySentAt,
			metadata.KeyDestination,
		),
	}
	if raw := msg.Metadata.Get(metadata.KeyReplyTo); raw != "" {
		replyTo, err := endpoint.ParseAny(raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("message %s: reply-to: %w", msg.UUID, err)
		}
		env.ReplyTo = &replyTo
	}
	return env, nil
}
