package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/keyd/internal/clock"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Broadcast(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return eventTypes(l.events)
}

type vouchFor string

func (v vouchFor) KnownClient(clientID string) bool { return string(v) == clientID }

func startService(t *testing.T, cfg Config) (*Service, *clock.Manual, <-chan error) {
	t.Helper()
	clk := clock.NewManual(testStart)
	cfg.Clock = clk
	cfg.MissingTimeout = testMissing
	cfg.MissingNotifyTimeout = testNotify
	cfg.QueueHoldTimeout = testHold
	cfg.CleanupGrace = 3 * time.Second
	svc := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-svc.Done()
	})
	return svc, clk, errCh
}

func mustState(t *testing.T, svc *Service) Snapshot {
	t.Helper()
	snap, err := svc.State(context.Background())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return snap
}

func TestServiceEnqueueReplies(t *testing.T) {
	t.Parallel()

	svc, _, _ := startService(t, Config{})
	ctx := context.Background()

	reply, err := svc.Enqueue(ctx, "alice")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if reply != "DONE!alice" || !reply.OK() {
		t.Fatalf("reply = %q", reply)
	}
	reply, err = svc.Enqueue(ctx, "alice")
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if reply.OK() || !strings.HasPrefix(string(reply), "FAIL!") || !strings.HasSuffix(string(reply), "alice") {
		t.Fatalf("duplicate reply = %q", reply)
	}

	reply, err = svc.LeaveQueue(ctx, "alice")
	if err != nil || reply != "DONE!alice" {
		t.Fatalf("leave: %q %v", reply, err)
	}
	reply, err = svc.LeaveQueue(ctx, "alice")
	if err != nil || !reply.OK() {
		t.Fatalf("leave must be idempotent: %q %v", reply, err)
	}
	if snap := mustState(t, svc); len(snap.Queue) != 0 {
		t.Fatalf("queue = %+v", snap.Queue)
	}
}

func TestServiceRejectsEmptyClientID(t *testing.T) {
	t.Parallel()

	svc, _, _ := startService(t, Config{})
	_, err := svc.Enqueue(context.Background(), "")
	var failure Failure
	if !errors.As(err, &failure) || failure.Code != "invalid_client" {
		t.Fatalf("err = %v", err)
	}
}

func TestServiceSwitchToggles(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	svc, _, _ := startService(t, Config{Broadcaster: log})
	ctx := context.Background()

	snap, err := svc.Switch(ctx)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if !snap.KeyPresent {
		t.Fatalf("switch from unknown should return the key: %+v", snap)
	}
	snap, err = svc.Switch(ctx)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if snap.KeyPresent || snap.KeyTakenOn == nil {
		t.Fatalf("second switch should take the key: %+v", snap)
	}
	got := log.types()
	if len(got) != 2 || got[0] != EventKeyReturned || got[1] != EventKeyTaken {
		t.Fatalf("events = %v", got)
	}
}

func TestServiceConnectReturnsHello(t *testing.T) {
	t.Parallel()

	svc, _, _ := startService(t, Config{})
	ctx := context.Background()
	if _, err := svc.Enqueue(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	hello, err := svc.Connect(ctx, "alice", "conn-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if hello.Type != EventHello || hello.ClientID != "alice" {
		t.Fatalf("hello = %+v", hello)
	}
	if len(hello.State.Queue) != 1 || hello.State.Queue[0].ClientID != "bob" {
		t.Fatalf("hello state = %+v", hello.State)
	}
}

func TestServiceDisconnectCleansUpAfterGrace(t *testing.T) {
	t.Parallel()

	svc, clk, _ := startService(t, Config{})
	ctx := context.Background()
	if _, err := svc.Connect(ctx, "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Enqueue(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Disconnect(ctx, "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)
	if snap := mustState(t, svc); snap.Position("alice") != 0 {
		t.Fatalf("reservation dropped before grace: %+v", snap.Queue)
	}
	clk.Advance(time.Second)
	if snap := mustState(t, svc); snap.Position("alice") != -1 {
		t.Fatalf("reservation kept after grace: %+v", snap.Queue)
	}
}

func TestServiceReconnectWithinGraceKeepsReservation(t *testing.T) {
	t.Parallel()

	svc, clk, _ := startService(t, Config{})
	ctx := context.Background()
	if _, err := svc.Connect(ctx, "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Enqueue(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Disconnect(ctx, "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	if _, err := svc.Connect(ctx, "alice", "c2"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Second)
	if snap := mustState(t, svc); snap.Position("alice") != 0 {
		t.Fatalf("reservation lost after reconnect: %+v", snap.Queue)
	}
}

func TestServiceVouchedClientSurvivesDisconnect(t *testing.T) {
	t.Parallel()

	svc, clk, _ := startService(t, Config{Voucher: vouchFor("alice")})
	ctx := context.Background()
	if _, err := svc.Connect(ctx, "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Enqueue(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Disconnect(ctx, "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if snap := mustState(t, svc); snap.Position("alice") != 0 {
		t.Fatalf("vouched client removed: %+v", snap.Queue)
	}
}

func TestServiceSensorSignals(t *testing.T) {
	t.Parallel()

	svc, _, _ := startService(t, Config{})
	svc.SignalSeen()
	if snap := mustState(t, svc); !snap.KeyPresent {
		t.Fatalf("signal seen should return the key: %+v", snap)
	}
	svc.SignalSeen()
	if snap := mustState(t, svc); !snap.KeyPresent {
		t.Fatal("repeated reads must leave the key present")
	}
	svc.SignalLost()
	if snap := mustState(t, svc); snap.KeyPresent {
		t.Fatal("signal lost should take the key")
	}
}

func TestServiceDebugModeIgnoresSensor(t *testing.T) {
	t.Parallel()

	svc, _, _ := startService(t, Config{DebugMode: true})
	svc.SignalSeen()
	snap := mustState(t, svc)
	if snap.KeyPresent || !snap.DebugMode {
		t.Fatalf("debug mode must ignore the sensor: %+v", snap)
	}
	if _, err := svc.Switch(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc.SignalLost()
	if snap := mustState(t, svc); !snap.KeyPresent {
		t.Fatal("debug mode must ignore signal lost")
	}
}

func TestServiceSensorErrorStopsRun(t *testing.T) {
	t.Parallel()

	svc, _, errCh := startService(t, Config{})
	svc.SensorError(errors.New("read /dev/ttyAMA0: input/output error"))
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSensorFailed) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after sensor error")
	}
	if _, err := svc.State(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("state after stop: %v", err)
	}
}

func TestServiceQueueHoldExpiresThroughLoop(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	svc, clk, _ := startService(t, Config{Broadcaster: log})
	ctx := context.Background()
	if _, err := svc.Switch(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Enqueue(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(testHold)
	if snap := mustState(t, svc); len(snap.Queue) != 0 {
		t.Fatalf("head not expired: %+v", snap.Queue)
	}
	got := log.types()
	if got[len(got)-1] != EventReservationRemoved {
		t.Fatalf("events = %v", got)
	}
}

func TestServiceCancelAfterAcceptStillSucceeds(t *testing.T) {
	t.Parallel()

	svc, _, _ := startService(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applied := false
	err := svc.do(ctx, "test", func() {
		cancel()
		time.Sleep(10 * time.Millisecond)
		applied = true
	})
	if err != nil {
		t.Fatalf("do returned %v for an applied operation", err)
	}
	if !applied {
		t.Fatal("operation not applied")
	}
}

func TestServiceCancelBeforeAcceptFails(t *testing.T) {
	t.Parallel()

	svc, _, _ := startService(t, Config{})
	release := make(chan struct{})
	svc.post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := svc.Enqueue(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("enqueue while the loop is busy = %v", err)
	}
}
