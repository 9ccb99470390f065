package subscriptions

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/transport"
)

// ControlModule is the module of the subscription control messages.
const ControlModule = "github.com/drblury/protobus/subscriptions"

var (
	// SubscribeType asks the receiver to add a subscription.
	SubscribeType = routing.MessageType{Module: ControlModule, Name: "Subscribe"}
	// UnsubscribeType asks the receiver to remove a subscription.
	UnsubscribeType = routing.MessageType{Module: ControlModule, Name: "Unsubscribe"}
)

// ErrAnnounce marks a failed announcement. It is never fatal to activation.
var ErrAnnounce = errors.New("protobus: subscription announcement failed")

// ErrNotControl is returned by HandleAnnouncement for ordinary messages.
var ErrNotControl = errors.New("protobus: not a subscription control message")

const (
	fieldSubscriber  = "subscriber"
	fieldMessageType = "message_type"
)

// Announcer sends control envelopes. *transport.Set satisfies it.
type Announcer interface {
	Send(ctx context.Context, env transport.Envelope, dest endpoint.Address) (transport.SendResult, error)
}

// AnnounceError reports a requirement that could not be announced.
type AnnounceError struct {
	Requirement Requirement
	Err         error
}

func (e *AnnounceError) Error() string {
	return fmt.Sprintf("announce %s to %s: %v", e.Requirement.MessageType, e.Requirement.Publisher, e.Err)
}

func (e *AnnounceError) Unwrap() error {
	return e.Err
}

func (e *AnnounceError) Is(target error) bool {
	return target == ErrAnnounce
}

// IsControl reports whether mt is a subscription control message.
func IsControl(mt routing.MessageType) bool {
	return mt == SubscribeType || mt == UnsubscribeType
}

// NewSubscribeEnvelope encodes sub as a subscribe request.
func NewSubscribeEnvelope(sub Subscription) (transport.Envelope, error) {
	return newControlEnvelope(SubscribeType, sub)
}

// NewUnsubscribeEnvelope encodes sub as an unsubscribe request.
func NewUnsubscribeEnvelope(sub Subscription) (transport.Envelope, error) {
	return newControlEnvelope(UnsubscribeType, sub)
}

func newControlEnvelope(mt routing.MessageType, sub Subscription) (transport.Envelope, error) {
	if err := sub.Validate(); err != nil {
		return transport.Envelope{}, err
	}
	payload, err := structpb.NewStruct(map[string]any{
		fieldSubscriber:  sub.Subscriber.String(),
		fieldMessageType: sub.MessageType.String(),
	})
	if err != nil {
		return transport.Envelope{}, err
	}
	data, err := protojson.Marshal(payload)
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("failed to encode announcement: %w", err)
	}
	return transport.NewEnvelope(mt, data).WithReplyTo(sub.Subscriber), nil
}

// DecodeAnnouncement extracts the subscription carried by a control envelope.
func DecodeAnnouncement(env transport.Envelope) (Subscription, error) {
	if !IsControl(env.MessageType) {
		return Subscription{}, fmt.Errorf("%w: %s", ErrNotControl, env.MessageType)
	}
	var payload structpb.Struct
	if err := protojson.Unmarshal(env.Payload, &payload); err != nil {
		return Subscription{}, fmt.Errorf("failed to decode announcement: %w", err)
	}
	fields := payload.GetFields()

	subscriber, err := endpoint.ParseAny(fields[fieldSubscriber].GetStringValue())
	if err != nil {
		return Subscription{}, fmt.Errorf("announcement subscriber: %w", err)
	}
	sub := Subscription{
		Subscriber:  subscriber,
		MessageType: routing.ParseMessageType(fields[fieldMessageType].GetStringValue()),
	}
	return sub, sub.Validate()
}
