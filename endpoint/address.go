// Package endpoint parses and formats queue endpoint addresses of the form
// scheme://host:port/queueName.
//
// The scheme names the transport family that owns the address. Parse only
// accepts DefaultScheme; transports that own another scheme use ParseFor.
// Hosts are kept verbatim and never resolved here; resolution, when needed,
// is left to the transport.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultScheme identifies the native TCP queue transport.
const DefaultScheme = "lq.tcp"

// ErrInvalidAddress matches every *InvalidAddressError.
var ErrInvalidAddress = errors.New("protobus: invalid endpoint address")

// InvalidAddressError reports a malformed or unsupported endpoint URI.
type InvalidAddressError struct {
	URI    string
	Scheme string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	if e.Scheme != "" {
		return fmt.Sprintf("protobus: invalid endpoint address %q (scheme %q): %s", e.URI, e.Scheme, e.Reason)
	}
	return fmt.Sprintf("protobus: invalid endpoint address %q: %s", e.URI, e.Reason)
}

func (e *InvalidAddressError) Is(target error) bool {
	return target == ErrInvalidAddress
}

// Address is the parsed location of a queue. It is a comparable value and is
// never mutated after parsing.
type Address struct {
	Protocol  string
	Host      string
	Port      uint16
	QueueName string
}

// Parse parses uri, which must use DefaultScheme.
func Parse(uri string) (Address, error) {
	return ParseFor(DefaultScheme, uri)
}

// MustParse is like Parse but panics on error. Meant for configuration literals.
func MustParse(uri string) Address {
	addr, err := ParseAny(uri)
	if err != nil {
		panic(err)
	}
	return addr
}

// ParseFor parses uri and requires its scheme to equal scheme (case-insensitive).
func ParseFor(scheme, uri string) (Address, error) {
	got, err := SchemeOf(uri)
	if err != nil {
		return Address{}, err
	}
	if !strings.EqualFold(got, scheme) {
		return Address{}, &InvalidAddressError{
			URI:    uri,
			Scheme: got,
			Reason: fmt.Sprintf("unsupported scheme, expected %q", scheme),
		}
	}
	return parse(strings.ToLower(got), uri)
}

// ParseAny parses uri with whatever scheme it carries. Whether a transport
// owns that scheme is decided later by the transport set.
func ParseAny(uri string) (Address, error) {
	scheme, err := SchemeOf(uri)
	if err != nil {
		return Address{}, err
	}
	return parse(strings.ToLower(scheme), uri)
}

// SchemeOf returns the scheme portion of uri.
func SchemeOf(uri string) (string, error) {
	scheme, _, found := strings.Cut(uri, "://")
	if !found || scheme == "" {
		return "", &InvalidAddressError{URI: uri, Reason: "missing scheme"}
	}
	return scheme, nil
}

func parse(scheme, uri string) (Address, error) {
	fail := func(reason string) (Address, error) {
		return Address{}, &InvalidAddressError{URI: uri, Scheme: scheme, Reason: reason}
	}

	u, err := url.Parse(uri)
	if err != nil {
		return fail(err.Error())
	}
	if u.User != nil {
		return fail("credentials are not allowed in endpoint addresses")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fail("query and fragment are not allowed")
	}

	host := u.Hostname()
	if host == "" {
		return fail("host is required")
	}
	rawPort := u.Port()
	if rawPort == "" {
		return fail("port is required")
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil {
		return fail(fmt.Sprintf("port %q is not in range 0-65535", rawPort))
	}

	queue := strings.TrimPrefix(u.Path, "/")
	if queue == "" {
		return fail("queue name is required")
	}
	if strings.Contains(queue, "/") {
		return fail("queue name must be a single path segment")
	}

	return Address{
		Protocol:  scheme,
		Host:      host,
		Port:      uint16(port),
		QueueName: queue,
	}, nil
}

// HostPort returns host:port, bracketing IPv6 hosts.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.FormatUint(uint64(a.Port), 10))
}

// String formats the address back into its URI form.
func (a Address) String() string {
	return a.Protocol + "://" + a.HostPort() + "/" + url.PathEscape(a.QueueName)
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Equal compares addresses, ignoring case in the protocol and host.
func (a Address) Equal(other Address) bool {
	return strings.EqualFold(a.Protocol, other.Protocol) &&
		strings.EqualFold(a.Host, other.Host) &&
		a.Port == other.Port &&
		a.QueueName == other.QueueName
}

// Key returns a canonical form suitable for map keys and deduplication.
func (a Address) Key() string {
	canonical := a
	canonical.Protocol = strings.ToLower(a.Protocol)
	canonical.Host = strings.ToLower(a.Host)
	return canonical.String()
}

// WithQueue returns a copy of a pointing at another queue on the same host.
func (a Address) WithQueue(queue string) Address {
	a.QueueName = queue
	return a
}
