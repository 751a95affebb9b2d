package core

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/session"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Service serialises every inbound event (client requests, sensor signals,
// timer firings, connection lifecycle) onto one goroutine that exclusively
// owns the Machine and the session tracker.
type Service struct {
	logger  pslog.Logger
	clock   clock.Clock
	marker  Marker
	tracer  trace.Tracer
	machine *Machine
	tracker *session.Tracker

	events chan func()
	fatal  chan error
	done   chan struct{}
}

// New constructs the core Service. Call Run to start processing.
func New(cfg Config) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		logger: svcfields.WithSubsystem(cfg.Logger, "core.service"),
		clock:  cfg.Clock,
		marker: cfg.Marker,
		tracer: otel.Tracer("pkt.systems/keyd/core"),
		events: make(chan func()),
		fatal:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	s.machine = NewMachine(cfg, s.post)
	s.tracker = session.NewTracker(session.TrackerConfig{
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Grace:   cfg.CleanupGrace,
		Post:    s.post,
		Voucher: cfg.Voucher,
		Gone: func(clientID string) {
			s.machine.Leave(clientID)
			s.machine.metrics.setClients(s.tracker.Clients())
		},
	})
	return s
}

// Run processes events until ctx ends or the sensor fails. A sensor failure
// is returned wrapped in ErrSensorFailed.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info("event loop started", "debug_mode", s.machine.DebugMode())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("event loop stopped")
			return nil
		case err := <-s.fatal:
			s.logger.Error("sensor failed, stopping", "error", err)
			return fmt.Errorf("%w: %v", ErrSensorFailed, err)
		case fn := <-s.events:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// post hands fn to the event loop without waiting for it to run. Timer and
// sensor goroutines use it; it gives up once the loop has exited.
func (s *Service) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// do runs fn inside the event loop and waits for it to finish. ctx only
// bounds the wait for the loop to accept fn; once accepted, fn has been
// applied and do reports success whatever happens to ctx.
func (s *Service) do(ctx context.Context, op string, fn func(), attrs ...attribute.KeyValue) error {
	ctx, span := s.tracer.Start(ctx, "keyd.core."+op, trace.WithAttributes(attrs...))
	defer span.End()
	finished := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// events is unbuffered, so fn is already running on the loop.
	<-finished
	return nil
}

func invalidClient() error {
	return Failure{Code: "invalid_client", Detail: "client id required", HTTPStatus: http.StatusBadRequest}
}

// Enqueue queues a reservation for clientID.
func (s *Service) Enqueue(ctx context.Context, clientID string) (Reply, error) {
	if clientID == "" {
		return "", invalidClient()
	}
	var reply Reply
	err := s.do(ctx, "enqueue", func() {
		s.logger.Info("enqueue requested", svcfields.ClientKey, clientID)
		s.marker.Mark(TopicQueue, MarkEnqueue)
		if s.machine.Enqueue(clientID) {
			reply = replyDoneFor(clientID)
			return
		}
		reply = replyEnqueueFailed(clientID)
	}, attribute.String("keyd.client_id", clientID))
	return reply, err
}

// LeaveQueue removes clientID's reservation. It succeeds even when the client
// was not queued.
func (s *Service) LeaveQueue(ctx context.Context, clientID string) (Reply, error) {
	if clientID == "" {
		return "", invalidClient()
	}
	err := s.do(ctx, "leave_queue", func() {
		s.logger.Info("leave queue requested", svcfields.ClientKey, clientID)
		s.marker.Mark(TopicQueue, MarkLeave)
		s.machine.Leave(clientID)
	}, attribute.String("keyd.client_id", clientID))
	if err != nil {
		return "", err
	}
	return replyDoneFor(clientID), nil
}

// Take explicitly marks the key as taken. It reports false when the key was
// not present (illegal transition).
func (s *Service) Take(ctx context.Context) (bool, error) {
	var ok bool
	err := s.do(ctx, "take", func() { ok = s.machine.Take("request") })
	return ok, err
}

// Return explicitly marks the key as returned. It reports false when the key
// was already present (illegal transition).
func (s *Service) Return(ctx context.Context) (bool, error) {
	var ok bool
	err := s.do(ctx, "return", func() { ok = s.machine.Return("request") })
	return ok, err
}

// Switch toggles custody and returns the resulting state.
func (s *Service) Switch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, "switch", func() {
		s.marker.Mark(TopicServer, MarkSwitch)
		if s.machine.Status() == StatusPresent {
			s.machine.Take("switch")
		} else {
			s.machine.Return("switch")
		}
		snap = s.machine.Snapshot()
	})
	return snap, err
}

// State returns a snapshot of the current state.
func (s *Service) State(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, "state", func() {
		s.marker.Mark(TopicServer, MarkState)
		snap = s.machine.Snapshot()
	})
	return snap, err
}

// Connect registers a transport connection and returns the HELLO greeting
// for it.
func (s *Service) Connect(ctx context.Context, clientID, connID string) (Event, error) {
	var hello Event
	err := s.Attach(ctx, clientID, connID, func(ev Event) { hello = ev })
	return hello, err
}

// Attach registers a transport connection and hands its HELLO greeting to
// greet from inside the event loop. Broadcasts that precede greet carry
// older state than the greeting; everything after it is newer.
func (s *Service) Attach(ctx context.Context, clientID, connID string, greet func(Event)) error {
	if clientID == "" {
		return invalidClient()
	}
	return s.do(ctx, "connect", func() {
		s.tracker.Connect(clientID, connID)
		s.machine.metrics.setClients(s.tracker.Clients())
		s.marker.Mark(TopicClient, MarkConnect)
		s.logger.Info("client connected", svcfields.ClientKey, clientID, svcfields.ConnKey, connID)
		if greet != nil {
			greet(s.machine.Hello(clientID))
		}
	}, attribute.String("keyd.client_id", clientID))
}

// Disconnect unregisters a transport connection. The client's reservation is
// dropped only after the cleanup grace period passes without a reconnect.
func (s *Service) Disconnect(ctx context.Context, clientID, connID string) error {
	return s.do(ctx, "disconnect", func() {
		s.tracker.Disconnect(clientID, connID)
		s.machine.metrics.setClients(s.tracker.Clients())
		s.marker.Mark(TopicClient, MarkDisconnect)
		s.logger.Info("client disconnected", svcfields.ClientKey, clientID, svcfields.ConnKey, connID)
	}, attribute.String("keyd.client_id", clientID))
}

// SignalSeen is called by the sensor for every RFID read. It returns the key
// when it was out, unless debug mode ignores the sensor.
func (s *Service) SignalSeen() {
	s.post(func() {
		if s.machine.DebugMode() {
			return
		}
		if s.machine.Status() != StatusPresent {
			s.machine.Return("sensor")
		}
	})
}

// SignalLost is called by the sensor once its watchdog decides the tag is gone.
func (s *Service) SignalLost() {
	s.post(func() {
		if s.machine.DebugMode() {
			s.logger.Debug("debug mode: ignoring sensor signal lost")
			return
		}
		s.logger.Info("sensor watchdog expired, assuming key taken")
		s.machine.Take("sensor")
	})
}

// SensorError reports an unrecoverable sensor failure. Run returns shortly
// after.
func (s *Service) SensorError(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
