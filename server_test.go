package keyd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/sensor"
)

// scriptedSensor reports one read and then blocks, or fails immediately.
type scriptedSensor struct {
	handler  sensor.Handler
	watchdog *sensor.Watchdog
	fail     error
}

func (s *scriptedSensor) Run(ctx context.Context) error {
	if s.fail != nil {
		s.handler.SensorError(s.fail)
		return s.fail
	}
	s.watchdog.Read()
	<-ctx.Done()
	s.watchdog.Stop()
	return nil
}

type markRecorder struct {
	mu     sync.Mutex
	marks  []string
	events []core.EventType
	closed bool
}

func (m *markRecorder) Mark(topic, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = append(m.marks, topic+"."+name)
}

func (m *markRecorder) Deliver(ev core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev.Type)
	return nil
}

func (m *markRecorder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *markRecorder) has(mark string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, got := range m.marks {
		if got == mark {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		Listen:         "127.0.0.1:0",
		Display:        DisplayNone,
		SensorWatchdog: time.Hour,
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestServerSensorReadReturnsKey(t *testing.T) {
	t.Parallel()

	pub := &markRecorder{}
	srv, stop, err := StartServer(context.Background(), testConfig(),
		WithPublisher(pub),
		WithSensor(func(h sensor.Handler, wd *sensor.Watchdog) sensor.Sensor {
			return &scriptedSensor{handler: h, watchdog: wd}
		}),
	)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop(context.Background())

	base := "http://" + srv.ListenerAddr().String()
	deadline := time.Now().Add(5 * time.Second)
	var snap core.Snapshot
	for {
		getJSON(t, base+"/state", &snap)
		if snap.KeyPresent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sensor read never returned the key: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !pub.has(core.TopicServer + "." + core.MarkStarted) {
		t.Fatalf("STARTED not marked: %v", pub.marks)
	}
	if !pub.has(core.TopicEvent + "." + core.MarkReturned) {
		t.Fatalf("RETURNED not marked: %v", pub.marks)
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !pub.closed {
		t.Fatal("publisher not closed on shutdown")
	}
}

func TestServerSensorFailureStopsServer(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(testConfig(),
		WithSensor(func(h sensor.Handler, wd *sensor.Watchdog) sensor.Sensor {
			return &scriptedSensor{handler: h, watchdog: wd, fail: fmt.Errorf("open /dev/ttyAMA0: no such device")}
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case err := <-errCh:
		if !errors.Is(err, core.ErrSensorFailed) {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server kept running after sensor failure")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestServerWebsocketQueueRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DisableSensor = true
	srv, stop, err := StartServer(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer stop(context.Background())

	header := http.Header{}
	header.Set("Cookie", "kk_sess=alice")
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.ListenerAddr().String()+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello core.Event
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != core.EventHello {
		t.Fatalf("hello = %+v (%v)", hello, err)
	}
	if err := conn.WriteJSON(map[string]string{"type": core.RequestEnqueue, "id": "1"}); err != nil {
		t.Fatal(err)
	}
	var queued core.Event
	if err := conn.ReadJSON(&queued); err != nil || queued.Type != core.EventReservationQueued {
		t.Fatalf("queued = %+v (%v)", queued, err)
	}
	var reply struct {
		Type, ID, Status string
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "REPLY" || reply.ID != "1" || !strings.HasPrefix(reply.Status, "DONE!") {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestServerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(Config{Display: "hdmi"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()

	if originChecker(nil) != nil {
		t.Fatal("no allowed origins keeps the default check")
	}
	check := originChecker([]string{"https://chat.example.com/"})
	req := func(origin string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "http://keys.local/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	if !check(req("")) || !check(req("http://keys.local")) || !check(req("https://chat.example.com")) {
		t.Fatal("expected allowed origins to pass")
	}
	if check(req("https://evil.example.com")) {
		t.Fatal("unexpected origin accepted")
	}
	if !originChecker([]string{"*"})(req("https://evil.example.com")) {
		t.Fatal("wildcard must accept every origin")
	}
}
