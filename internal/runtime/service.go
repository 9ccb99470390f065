package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protobus/bus"
	"github.com/drblury/protobus/endpoint"
	configpkg "github.com/drblury/protobus/internal/runtime/config"
	errspkg "github.com/drblury/protobus/internal/runtime/errors"
	loggingpkg "github.com/drblury/protobus/internal/runtime/logging"
	metricspkg "github.com/drblury/protobus/internal/runtime/metrics"
	"github.com/drblury/protobus/jobs"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/subscriptions"
	"github.com/drblury/protobus/subscriptions/filestore"
	"github.com/drblury/protobus/subscriptions/sqlstore"
	"github.com/drblury/protobus/transport"
)

var listenAndServe = func(srv *http.Server) error {
	return srv.ListenAndServe()
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to the configuration and package defaults.
type ServiceDependencies struct {
	// TransportRegistry resolves protocol schemes. Defaults to transport.DefaultRegistry.
	TransportRegistry *transport.Registry
	// Routes are added after the routes declared in configuration.
	Routes []routing.Route
	// SubscriptionStore overrides the store selected in configuration.
	SubscriptionStore subscriptions.Store
	PollingJobs       []jobs.PollingJob
	ScheduledJobs     []jobs.ScheduledJob
	JobHooks          jobs.Hooks

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	ErrorClassifier           ErrorClassifier

	// MetricsRegisterer receives the bus collectors. Defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	// MetricsGatherer backs the /metrics endpoint. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
	Tracer          trace.Tracer
}

// Service hosts one bus: its transports, routing table, subscription registry,
// jobs and the lifecycle controller that drives them.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transports *transport.Set
	routes     *routing.Table
	registry   *subscriptions.Registry
	polling    *jobs.PollingJobActivator
	scheduled  *jobs.ScheduledJobController
	controller *bus.Controller
	metrics    *metricspkg.Metrics
	gatherer   prometheus.Gatherer

	handlers     map[routing.MessageType]*handlerEntry
	handlerOrder []routing.MessageType
	fallback     *handlerEntry
	middlewares  []HandlerMiddleware
	handlersMu   sync.RWMutex

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex

	lastActivation atomic.Pointer[loggingpkg.ActivationRecord]
	closeOnce      sync.Once

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot be built. Register handlers on the returned Service before
// calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning construction failures as errors.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating message bus service", loggingpkg.LogFields{
		"enabled": conf.Enabled,
		"config":  conf,
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		handlers:        make(map[routing.MessageType]*handlerEntry),
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
		metrics:         metricspkg.New(deps.MetricsRegisterer),
		gatherer:        deps.MetricsGatherer,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if err := s.buildTransports(conf, log, deps); err != nil {
		return nil, err
	}
	if err := s.buildRoutes(conf, deps.Routes); err != nil {
		return nil, err
	}
	if err := s.buildRegistry(ctx, conf, deps.SubscriptionStore); err != nil {
		return nil, err
	}
	if err := s.buildJobs(conf, log, deps); err != nil {
		s.closeStore()
		return nil, err
	}

	s.controller = bus.New(
		bus.Settings{Enabled: conf.Enabled},
		bus.Stages{
			Transports:    s.transports,
			Subscriptions: s.registry,
			PollingJobs:   s.polling,
			ScheduledJobs: s.scheduled,
		},
		bus.WithMetrics(s.metrics),
	)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		s.closeStore()
		return nil, err
	}
	return s, nil
}

// buildTransports creates one transport per protocol seen in listen, route,
// subscription and poison queue addresses. Only listen addresses are bound.
func (s *Service) buildTransports(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) error {
	reg := deps.TransportRegistry
	if reg == nil {
		reg = transport.DefaultRegistry
	}

	listen := make(map[string][]endpoint.Address)
	var protocols []string
	seen := func(addr endpoint.Address) {
		p := strings.ToLower(addr.Protocol)
		if _, ok := listen[p]; !ok {
			listen[p] = nil
			protocols = append(protocols, p)
		}
	}

	for _, uri := range conf.Listen {
		addr, err := endpoint.ParseAny(uri)
		if err != nil {
			return err
		}
		seen(addr)
		listen[strings.ToLower(addr.Protocol)] = append(listen[strings.ToLower(addr.Protocol)], addr)
	}
	for _, uri := range referencedAddresses(conf, deps.Routes) {
		addr, err := endpoint.ParseAny(uri)
		if err != nil {
			return err
		}
		seen(addr)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	members := make([]*transport.Transport, 0, len(protocols))
	for _, p := range protocols {
		t, err := transport.NewFromRegistry(reg, p, conf, transport.Options{
			Listen:   listen[p],
			Receiver: s,
			Metrics:  s.metrics,
			Logger:   wmLogger,
			Tracer:   deps.Tracer,
		})
		if err != nil {
			return err
		}
		members = append(members, t)
	}

	set, err := transport.NewSet(members...)
	if err != nil {
		return err
	}
	s.transports = set
	return nil
}

func referencedAddresses(conf *configpkg.Config, extra []routing.Route) []string {
	var out []string
	for _, r := range conf.Routes {
		out = append(out, r.Destinations...)
	}
	for _, r := range extra {
		for _, d := range r.Destinations {
			out = append(out, d.String())
		}
	}
	for _, sub := range conf.Subscriptions {
		out = append(out, sub.Publisher, sub.Subscriber)
	}
	if conf.PoisonQueue != "" {
		out = append(out, conf.PoisonQueue)
	}
	return out
}

func (s *Service) buildRoutes(conf *configpkg.Config, extra []routing.Route) error {
	table := routing.NewTable()
	for _, rc := range conf.Routes {
		dests, err := parseAll(rc.Destinations)
		if err != nil {
			return err
		}
		if err := table.Add(routing.AssemblyRule{Module: rc.Module}, dests...); err != nil {
			return err
		}
	}
	for _, r := range extra {
		if err := table.Add(r.Rule, r.Destinations...); err != nil {
			return err
		}
	}
	table.Seal()
	s.routes = table
	return nil
}

func (s *Service) buildRegistry(ctx context.Context, conf *configpkg.Config, store subscriptions.Store) error {
	if store == nil {
		var err error
		store, err = openStore(ctx, conf)
		if err != nil {
			return err
		}
	}

	reqs := make([]subscriptions.Requirement, 0, len(conf.Subscriptions))
	for _, sc := range conf.Subscriptions {
		pub, err := endpoint.ParseAny(sc.Publisher)
		if err != nil {
			return err
		}
		sub, err := endpoint.ParseAny(sc.Subscriber)
		if err != nil {
			return err
		}
		reqs = append(reqs, subscriptions.Requirement{
			Publisher:   pub,
			Subscriber:  sub,
			MessageType: routing.MessageType{Module: sc.Module, Name: sc.Name},
		})
	}

	s.registry = subscriptions.NewRegistry(subscriptions.Options{
		Store:        store,
		Announcer:    s.transports,
		Requirements: reqs,
		Metrics:      s.metrics,
	})
	return nil
}

func openStore(ctx context.Context, conf *configpkg.Config) (subscriptions.Store, error) {
	switch conf.StoreKind() {
	case configpkg.StoreFile:
		return filestore.New(conf.SubscriptionFile)
	case configpkg.StoreSQLite:
		return sqlstore.OpenSQLite(ctx, conf.SQLiteFile)
	case configpkg.StorePostgres:
		return sqlstore.OpenPostgres(ctx, conf.PostgresURL)
	case configpkg.StoreMemory:
		return subscriptions.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("subscriptions: unknown store %q", conf.SubscriptionStore)
	}
}

func (s *Service) buildJobs(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) error {
	opts := jobs.Options{
		GracePeriod: conf.GetShutdownTimeout(),
		Hooks:       deps.JobHooks,
		Logger:      log,
		Metrics:     s.metrics,
		Tracer:      deps.Tracer,
	}
	polling, err := jobs.NewPollingJobActivator(opts, deps.PollingJobs...)
	if err != nil {
		return err
	}
	scheduled, err := jobs.NewScheduledJobController(opts, deps.ScheduledJobs...)
	if err != nil {
		return err
	}
	s.polling = polling
	s.scheduled = scheduled
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start activates the bus and the scheduled jobs, serves metrics when
// enabled and blocks until ctx is cancelled. The service is then stopped
// with a context detached from ctx. A failed activation stops the service
// before Start returns.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Activate(ctx); err != nil {
		return errors.Join(err, s.Stop(context.WithoutCancel(ctx)))
	}
	s.startHTTPServers()

	<-ctx.Done()
	return s.Stop(context.WithoutCancel(ctx))
}

// Activate runs the activation sequence without blocking. Scheduled jobs
// are started whether or not the bus is enabled.
func (s *Service) Activate(ctx context.Context) error {
	record := loggingpkg.NewActivationRecord(s.Logger)
	s.lastActivation.Store(record)

	if err := s.controller.Activate(ctx, record); err != nil {
		return err
	}
	if s.scheduled.Len() == 0 {
		return nil
	}
	return s.scheduled.Activate(ctx, record)
}

// Stop deactivates the bus. When the bus is enabled the controller leaves
// scheduled jobs running, so they are stopped here afterwards. Stop closes
// the subscription store; a stopped service cannot be activated again.
func (s *Service) Stop(ctx context.Context) error {
	record := loggingpkg.NewActivationRecord(s.Logger)
	var errs []error
	if err := s.controller.Deactivate(ctx, record); err != nil {
		errs = append(errs, err)
	}
	if s.Conf.Enabled {
		if err := s.scheduled.Deactivate(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.stopHTTPServers(ctx))
	s.closeStore()
	return errors.Join(errs...)
}

func (s *Service) closeStore() {
	s.closeOnce.Do(func() {
		if s.registry == nil {
			return
		}
		if err := s.registry.Close(); err != nil {
			s.Logger.Error("Failed to close subscription store", err, nil)
		}
	})
}

// LastActivation returns the entries written by the most recent Activate.
func (s *Service) LastActivation() *loggingpkg.ActivationRecord {
	return s.lastActivation.Load()
}

// Routes returns the sealed routing table.
func (s *Service) Routes() *routing.Table { return s.routes }

// Subscriptions returns the subscription registry.
func (s *Service) Subscriptions() *subscriptions.Registry { return s.registry }

// Transports returns the transport set.
func (s *Service) Transports() *transport.Set { return s.transports }

// Bus returns the lifecycle controller.
func (s *Service) Bus() *bus.Controller { return s.controller }

// Metrics returns the service collectors.
func (s *Service) Metrics() *metricspkg.Metrics { return s.metrics }

// ServiceStatus is a point-in-time view of the service.
type ServiceStatus struct {
	State         string         `json:"state"`
	Enabled       bool           `json:"enabled"`
	Subscriptions int            `json:"subscriptions"`
	PollingJobs   []jobs.Status  `json:"polling_jobs"`
	ScheduledJobs []jobs.Status  `json:"scheduled_jobs"`
	Handlers      []*HandlerInfo `json:"handlers"`
	Resource      ResourceUsage  `json:"resource"`
}

// Status snapshots the bus state, jobs and handler statistics.
func (s *Service) Status() ServiceStatus {
	infos := s.Handlers()
	handlers := make([]*HandlerInfo, 0, len(infos))
	for _, info := range infos {
		handlers = append(handlers, &HandlerInfo{
			Name:        info.Name,
			MessageType: info.MessageType,
			Stats:       info.Stats.Snapshot(),
		})
	}
	return ServiceStatus{
		State:         s.controller.State().String(),
		Enabled:       s.controller.Enabled(),
		Subscriptions: s.registry.Len(),
		PollingJobs:   s.polling.Status(),
		ScheduledJobs: s.scheduled.Status(),
		Handlers:      handlers,
		Resource:      s.getResourceTracker().Snapshot(),
	}
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers
// start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}

func parseAll(uris []string) ([]endpoint.Address, error) {
	out := make([]endpoint.Address, 0, len(uris))
	for _, uri := range uris {
		addr, err := endpoint.ParseAny(uri)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
