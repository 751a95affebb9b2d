package keyd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"pkt.systems/keyd/internal/ambient"
	"pkt.systems/keyd/internal/anim"
	"pkt.systems/keyd/internal/broadcast"
	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/httpapi"
	"pkt.systems/keyd/internal/notify"
	"pkt.systems/keyd/internal/publish"
	"pkt.systems/keyd/internal/sensor"
	"pkt.systems/keyd/internal/session"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// SensorFactory builds the presence sensor once the core service exists.
// handler receives the raw signals; watchdog debounces RFID reads.
type SensorFactory func(handler sensor.Handler, watchdog *sensor.Watchdog) sensor.Sensor

// Server wires the core service to its sensor, indicator, notifiers,
// publisher and HTTP transport.
type Server struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	service   *core.Service
	hub       *broadcast.Hub
	handler   *httpapi.Handler
	httpSrv   *http.Server
	listener  net.Listener
	telemetry *telemetryBundle
	publisher publish.Publisher
	notifier  *notify.Fanout
	rooms     *notify.RoomStore
	animator  *anim.Animator
	sensor    sensor.Sensor

	unsubscribe func()
	runCtx      context.Context
	runCancel   context.CancelFunc
	background  sync.WaitGroup

	mu           sync.Mutex
	started      bool
	shutdown     bool
	fatalErr     error
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Clock     clock.Clock
	Sensor    SensorFactory
	Strip     anim.Strip
	Publisher publish.Publisher
	MailSend  notify.SendFunc
	ChatHTTP  *http.Client
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithSensor replaces the serial RFID reader.
func WithSensor(f SensorFactory) Option {
	return func(o *options) {
		o.Sensor = f
	}
}

// WithStrip sets the LED strip the animator renders to.
func WithStrip(s anim.Strip) Option {
	return func(o *options) {
		o.Strip = s
	}
}

// WithPublisher injects a pre-built message-bus publisher.
func WithPublisher(p publish.Publisher) Option {
	return func(o *options) {
		o.Publisher = p
	}
}

// WithMailSender replaces smtp.SendMail for the overdue mail.
func WithMailSender(send notify.SendFunc) Option {
	return func(o *options) {
		o.MailSend = send
	}
}

// WithChatHTTPClient sets the HTTP client used for the chat integration.
func WithChatHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.ChatHTTP = c
	}
}

// NewServer constructs a keyd server according to cfg. Nothing runs until
// Start.
//
//	srv, err := keyd.NewServer(keyd.Config{Listen: ":8080", DisableSensor: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	ok := false
	defer func() {
		if !ok {
			runCancel()
		}
	}()

	telemetry, err := setupTelemetry(runCtx, cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if telemetry != nil {
			_ = telemetry.Shutdown(context.Background())
		}
	}

	publisher := o.Publisher
	if publisher == nil {
		publisher = publish.Noop{}
		if cfg.NATSURL != "" {
			nc, err := publish.Connect(runCtx, publish.Config{
				URL:         cfg.NATSURL,
				Prefix:      cfg.NATSPrefix,
				StateBucket: cfg.NATSStateBucket,
				Logger:      logger,
			})
			if err != nil {
				cleanup()
				return nil, err
			}
			publisher = nc
		}
	}
	closePublisher := func() { _ = publisher.Close() }

	var (
		notifiers []core.Notifier
		voucher   session.Voucher
		linker    httpapi.Linker
		rooms     *notify.RoomStore
	)
	if cfg.ChatEnabled() {
		rooms, err = notify.LoadRoomStore(cfg.ChatRoomsFile, logger)
		if err != nil {
			closePublisher()
			cleanup()
			return nil, err
		}
		chat, err := notify.NewChat(notify.ChatConfig{
			Server:            cfg.ChatServer,
			Rooms:             rooms,
			SendNotifications: cfg.ChatNotifications,
			HTTPClient:        o.ChatHTTP,
			Logger:            logger,
		})
		if err != nil {
			closePublisher()
			cleanup()
			return nil, err
		}
		notifiers = append(notifiers, chat)
		voucher, linker = chat, chat
	}
	if cfg.MailEnabled() {
		mail, err := notify.NewMail(notify.MailConfig{
			Addr:     cfg.MailAddr,
			From:     cfg.MailFrom,
			To:       cfg.MailTo,
			Username: cfg.MailUsername,
			Password: cfg.MailPassword,
			Subject:  cfg.MailSubject,
			Clock:    clk,
			Logger:   logger,
			Send:     o.MailSend,
		})
		if err != nil {
			closePublisher()
			cleanup()
			return nil, err
		}
		notifiers = append(notifiers, mail)
	}
	fanout := notify.NewFanout(logger, notifiers...)

	var (
		animator *anim.Animator
		driver   anim.Driver = anim.Null{}
	)
	if cfg.Display != DisplayNone {
		strip := o.Strip
		if strip == nil {
			strip = anim.LogStrip{Logger: svcfields.WithSubsystem(logger, "anim.strip")}
		}
		animator = anim.NewAnimator(anim.AnimatorConfig{Frame: cfg.AnimFrame, Strip: strip, Logger: logger})
		driver = animator
	}
	scenes := ambient.New(ambient.Config{
		Driver:     driver,
		Clock:      clk,
		Logger:     logger,
		Transition: cfg.AnimTransition,
	})

	hub := broadcast.New(logger)
	service := core.New(core.Config{
		Logger:               logger,
		Clock:                clk,
		MissingTimeout:       cfg.MissingTimeout,
		MissingNotifyTimeout: cfg.MissingNotifyTimeout,
		QueueHoldTimeout:     cfg.QueueHoldTimeout,
		CleanupGrace:         cfg.ConnectionCleanupGrace,
		DebugMode:            cfg.DebugMode,
		Broadcaster:          hub,
		Notifier:             fanout,
		Indicator:            scenes,
		Marker:               publisher,
		Voucher:              voucher,
	})
	unsubscribe := hub.Subscribe(publisher)

	var presence sensor.Sensor = sensor.Null{}
	if o.Sensor != nil || cfg.SensorEnabled() {
		watchdog := sensor.NewWatchdog(clk, cfg.SensorWatchdog, service)
		if o.Sensor != nil {
			presence = o.Sensor(service, watchdog)
		} else {
			presence = &sensor.Serial{
				Device:   cfg.SensorDevice,
				Watchdog: watchdog,
				Handler:  service,
				Logger:   logger,
			}
		}
	}

	handler := httpapi.New(httpapi.Config{
		Service:        service,
		Hub:            hub,
		Linker:         linker,
		Logger:         logger,
		SendBuffer:     cfg.WSSendBuffer,
		WriteTimeout:   cfg.WSWriteTimeout,
		PingInterval:   cfg.WSPingInterval,
		SecureCookie:   cfg.SecureCookie,
		TracingEnabled: cfg.OTLPEndpoint != "",
		CheckOrigin:    originChecker(cfg.AllowedOrigins),
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	ok = true
	return &Server{
		cfg:         cfg,
		logger:      svcfields.WithSubsystem(logger, "server"),
		clock:       clk,
		service:     service,
		hub:         hub,
		handler:     handler,
		httpSrv:     httpSrv,
		telemetry:   telemetry,
		publisher:   publisher,
		notifier:    fanout,
		rooms:       rooms,
		animator:    animator,
		sensor:      presence,
		unsubscribe: unsubscribe,
		runCtx:      runCtx,
		runCancel:   runCancel,
		readyCh:     make(chan struct{}),
	}, nil
}

// originChecker accepts same-origin websocket requests plus the listed
// origins. A nil result keeps the websocket library's same-origin check.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimRight(a, "/"), origin) {
				return true
			}
		}
		return false
	}
}

// Handler returns the HTTP handler so keyd can be mounted inside another mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service returns the core service.
func (s *Server) Service() *core.Service {
	return s.service
}

// Start runs the event loop and its peripherals, then serves HTTP until
// Shutdown. A sensor failure stops the server and is returned wrapped in
// core.ErrSensorFailed.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started || s.shutdown {
		s.mu.Unlock()
		return errors.New("keyd: server already started")
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.startBackground()
	s.publisher.Mark(core.TopicServer, core.MarkStarted)
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"debug_mode", s.cfg.DebugMode,
		"sensor", s.cfg.SensorEnabled(),
		"display", s.cfg.Display,
		"chat", s.cfg.ChatEnabled(),
		"mail", s.cfg.MailEnabled(),
	)

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if err := s.fatal(); err != nil {
		return err
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) startBackground() {
	ctx := s.runCtx
	s.goBackground("core", func() error {
		err := s.service.Run(ctx)
		if err != nil {
			s.fail(err)
		}
		return err
	})
	s.goBackground("sensor", func() error {
		return s.sensor.Run(ctx)
	})
	if s.animator != nil {
		s.goBackground("animator", func() error {
			return s.animator.Run(ctx)
		})
	}
	if s.rooms != nil {
		s.goBackground("rooms", func() error {
			return s.rooms.Watch(ctx)
		})
	}
}

func (s *Server) goBackground(name string, run func() error) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("background task stopped", "task", name, "error", err)
		}
	}()
}

// fail records a fatal error and stops serving.
func (s *Server) fail(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()
	s.logger.Error("fatal error, shutting down", "error", err)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}()
}

func (s *Server) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Shutdown gracefully stops the server: it stops accepting requests, closes
// websockets (their clients disconnect through the core), stops the event
// loop and peripherals, then flushes the publisher and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.handler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}
	s.runCancel()
	s.background.Wait()
	s.unsubscribe()
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher close: %w", err))
	}
	s.notifier.Close()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("shutdown complete")
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a keyd server in a background goroutine and waits until
// it is ready. The returned stop function shuts it down and reports the
// serve result, including a fatal sensor error.
//
//	srv, stop, err := keyd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			shutdownErr := srv.Shutdown(shutdownCtx)
			serveErr := <-errCh
			stopErr = errors.Join(shutdownErr, serveErr)
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
