package routing

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrInvalidMessageType is returned for types whose string form does not
// parse back to the same value.
var ErrInvalidMessageType = errors.New("protobus: invalid message type")

// MessageType identifies a message contract by the module that defines it and
// its name within that module. Module identity is what assembly-style rules
// match on, so two types with the same Name in different modules are distinct.
type MessageType struct {
	Module string
	Name   string
}

// TypeFor derives the MessageType of T from its Go package path and type name.
// It is meant to be called once while configuring the bus, never on the send
// path. Pointer types resolve to their element type.
func TypeFor[T any]() MessageType {
	return TypeOf(reflect.TypeFor[T]())
}

// TypeOfValue is TypeFor for a value whose static type is not known.
func TypeOfValue(v any) MessageType {
	if v == nil {
		return MessageType{}
	}
	return TypeOf(reflect.TypeOf(v))
}

// TypeOf derives a MessageType from a reflect.Type.
func TypeOf(t reflect.Type) MessageType {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return MessageType{Module: t.PkgPath(), Name: t.Name()}
}

// ParseMessageType is the inverse of MessageType.String.
func ParseMessageType(s string) MessageType {
	idx := strings.LastIndex(s, ".")
	if idx < 0 || strings.LastIndex(s, "/") > idx {
		return MessageType{Name: s}
	}
	return MessageType{Module: s[:idx], Name: s[idx+1:]}
}

// String returns "module.Name", or just the name for module-less types.
func (m MessageType) String() string {
	if m.Module == "" {
		return m.Name
	}
	return m.Module + "." + m.Name
}

// Validate checks that m is set and that String and ParseMessageType round
// trip it. Names may not contain '.' or '/'.
func (m MessageType) Validate() error {
	if m.IsZero() {
		return fmt.Errorf("%w: empty", ErrInvalidMessageType)
	}
	if strings.ContainsAny(m.Name, "./") {
		return fmt.Errorf("%w: name %q contains '.' or '/'", ErrInvalidMessageType, m.Name)
	}
	return nil
}

// IsZero reports whether m carries no identity at all.
func (m MessageType) IsZero() bool {
	return m.Module == "" && m.Name == ""
}
