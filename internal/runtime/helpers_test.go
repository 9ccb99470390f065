package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/protobus/endpoint"
	configpkg "github.com/drblury/protobus/internal/runtime/config"
	loggingpkg "github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/transport"
	"github.com/drblury/protobus/transport/memory"
)

var (
	orderPlaced  = routing.MessageType{Module: "example.com/orders", Name: "OrderPlaced"}
	orderShipped = routing.MessageType{Module: "example.com/orders", Name: "OrderShipped"}
	userCreated  = routing.MessageType{Module: "example.com/users", Name: "UserCreated"}
)

const (
	inboxURI   = "memory://local:0/inbox"
	auditURI   = "memory://local:0/audit"
	billingURI = "memory://local:0/billing"
)

func memoryRegistry() *transport.Registry {
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(memory.TransportName, memory.Build, memory.Capabilities())
	return reg
}

func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	return newTestServiceWithLogger(t, conf, deps, loggingpkg.NopServiceLogger())
}

func newTestServiceWithLogger(t *testing.T, conf *configpkg.Config, deps ServiceDependencies, log loggingpkg.ServiceLogger) *Service {
	t.Helper()
	if deps.TransportRegistry == nil {
		deps.TransportRegistry = memoryRegistry()
	}
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	if conf.ShutdownTimeout == 0 {
		conf.ShutdownTimeout = time.Second
	}
	svc, err := TryNewService(conf, log, t.Context(), deps)
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
	})
	return svc
}

func activate(t *testing.T, svc *Service) {
	t.Helper()
	if err := svc.Activate(t.Context()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

func mustAddr(t *testing.T, uri string) endpoint.Address {
	t.Helper()
	addr, err := endpoint.ParseAny(uri)
	if err != nil {
		t.Fatalf("parse %q: %v", uri, err)
	}
	return addr
}

func channelHandler(ch chan<- transport.Envelope) Handler {
	return func(ctx context.Context, env transport.Envelope) error {
		ch <- env
		return nil
	}
}

func receiveWithin(t *testing.T, ch <-chan transport.Envelope, d time.Duration) transport.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(d):
		t.Fatalf("no envelope received within %s", d)
		return transport.Envelope{}
	}
}

func eventually(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

type logEntry struct {
	level string
	msg   string
	err   error
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return l
}

func (l *recordingLogger) Debug(msg string, _ loggingpkg.LogFields) {
	l.add("debug", msg, nil)
}

func (l *recordingLogger) Info(msg string, _ loggingpkg.LogFields) {
	l.add("info", msg, nil)
}

func (l *recordingLogger) Error(msg string, err error, _ loggingpkg.LogFields) {
	l.add("error", msg, err)
}

func (l *recordingLogger) Trace(msg string, _ loggingpkg.LogFields) {
	l.add("trace", msg, nil)
}

func (l *recordingLogger) add(level, msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, err: err})
}

func (l *recordingLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}
