package core

import (
	"testing"
	"time"

	"pkt.systems/keyd/internal/clock"
)

type recorder struct {
	events     []Event
	notes      []string
	countdowns []time.Duration
	shown      []Status
	marks      []string
}

func (r *recorder) Broadcast(ev Event)          { r.events = append(r.events, ev) }
func (r *recorder) KeyTaken(Snapshot)           { r.notes = append(r.notes, "taken") }
func (r *recorder) KeyWentMissing(Snapshot)     { r.notes = append(r.notes, "missing") }
func (r *recorder) KeyMissingOverdue(Snapshot)  { r.notes = append(r.notes, "overdue") }
func (r *recorder) KeyReturned(Snapshot)        { r.notes = append(r.notes, "returned") }
func (r *recorder) ReservationQueued(Snapshot)  { r.notes = append(r.notes, "queued") }
func (r *recorder) ReservationRemoved(Snapshot) { r.notes = append(r.notes, "removed") }
func (r *recorder) ShowState(s Snapshot)        { r.shown = append(r.shown, s.Status()) }
func (r *recorder) Countdown(d time.Duration)   { r.countdowns = append(r.countdowns, d) }
func (r *recorder) Mark(topic, name string)     { r.marks = append(r.marks, topic+"/"+name) }
func (r *recorder) reset()                      { *r = recorder{} }
func (r *recorder) count(note string) (n int) {
	for _, got := range r.notes {
		if got == note {
			n++
		}
	}
	return n
}

var testStart = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

const (
	testMissing = 15 * time.Minute
	testNotify  = 2 * time.Minute
	testHold    = 30 * time.Second
)

func newTestMachine(t *testing.T, debug bool) (*Machine, *clock.Manual, *recorder) {
	t.Helper()
	clk := clock.NewManual(testStart)
	rec := &recorder{}
	m := NewMachine(Config{
		Clock:                clk,
		MissingTimeout:       testMissing,
		MissingNotifyTimeout: testNotify,
		QueueHoldTimeout:     testHold,
		DebugMode:            debug,
		Broadcaster:          rec,
		Notifier:             rec,
		Indicator:            rec,
		Marker:               rec,
	}, nil)
	return m, clk, rec
}

// presentMachine returns a machine whose key has been returned once and whose
// recorder has been cleared.
func presentMachine(t *testing.T) (*Machine, *clock.Manual, *recorder) {
	t.Helper()
	m, clk, rec := newTestMachine(t, false)
	if !m.Return("test") {
		t.Fatal("initial return should succeed")
	}
	rec.reset()
	return m, clk, rec
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func checkInvariants(t *testing.T, m *Machine) {
	t.Helper()
	if m.present && (m.missing || !m.takenAt.IsZero()) {
		t.Fatalf("present implies not missing and no takenAt: %+v", m.Snapshot())
	}
	if m.missing != !m.missingSince.IsZero() {
		t.Fatalf("missingSince must be set iff missing: missing=%v since=%v", m.missing, m.missingSince)
	}
	seen := map[string]bool{}
	for i, entry := range m.queue {
		if seen[entry.ClientID] {
			t.Fatalf("duplicate client %q in queue", entry.ClientID)
		}
		seen[entry.ClientID] = true
		if i > 0 && entry.HasExpiry() {
			t.Fatalf("non-head entry %d carries expiry", i)
		}
		if i == 0 && entry.HasExpiry() && !m.present {
			t.Fatal("head expiry armed while key not present")
		}
	}
	if m.queueTimer.armed() && (!m.present || len(m.queue) == 0) {
		t.Fatal("queue timer armed without present key and queued head")
	}
}

func TestInitialStateIsUnknown(t *testing.T) {
	t.Parallel()

	m, _, rec := newTestMachine(t, false)
	snap := m.Snapshot()
	if snap.KeyPresent || snap.KeyMissing || snap.KeyTakenOn != nil {
		t.Fatalf("unexpected initial snapshot %+v", snap)
	}
	if m.missingTimer.armed() {
		t.Fatal("missing timer must not run before the first take")
	}
	if len(rec.events) != 0 {
		t.Fatalf("no events expected, got %v", eventTypes(rec.events))
	}
}

func TestTakeWithEmptyQueue(t *testing.T) {
	t.Parallel()

	m, _, rec := presentMachine(t)
	if !m.Take("test") {
		t.Fatal("take should succeed")
	}
	snap := m.Snapshot()
	if snap.KeyPresent || snap.KeyMissing {
		t.Fatalf("expected taken state, got %+v", snap)
	}
	if snap.KeyTakenOn == nil || !snap.KeyTakenOn.Equal(testStart) {
		t.Fatalf("takenAt not recorded: %+v", snap.KeyTakenOn)
	}
	if got := eventTypes(rec.events); len(got) != 1 || got[0] != EventKeyTaken {
		t.Fatalf("events = %v", got)
	}
	if !m.missingTimer.armed() {
		t.Fatal("missing timer not armed")
	}
	if rec.count("taken") != 1 {
		t.Fatalf("notes = %v", rec.notes)
	}
	checkInvariants(t, m)
}

func TestIllegalTransitionsAreNoops(t *testing.T) {
	t.Parallel()

	m, _, rec := presentMachine(t)
	if m.Return("test") {
		t.Fatal("return while present must be rejected")
	}
	if len(rec.events) != 0 {
		t.Fatalf("illegal return emitted %v", eventTypes(rec.events))
	}
	m.Take("test")
	rec.reset()
	if m.Take("test") {
		t.Fatal("take while taken must be rejected")
	}
	if len(rec.events) != 0 || len(rec.notes) != 0 {
		t.Fatalf("illegal take produced side effects: %v %v", eventTypes(rec.events), rec.notes)
	}
	checkInvariants(t, m)
}

func TestMissingTimerEscalates(t *testing.T) {
	t.Parallel()

	m, clk, rec := presentMachine(t)
	m.Take("test")
	rec.reset()

	clk.Advance(testMissing)
	snap := m.Snapshot()
	if !snap.KeyMissing || snap.KeyMissingSince == nil {
		t.Fatalf("expected missing state, got %+v", snap)
	}
	if snap.Status() != StatusMissing {
		t.Fatalf("status = %s", snap.Status())
	}
	if got := eventTypes(rec.events); len(got) != 1 || got[0] != EventKeyWentMissing {
		t.Fatalf("events = %v", got)
	}
	if rec.count("missing") != 1 {
		t.Fatalf("KeyWentMissing notified %d times", rec.count("missing"))
	}
	checkInvariants(t, m)

	clk.Advance(testNotify)
	if rec.count("overdue") != 1 {
		t.Fatalf("expected one overdue escalation, notes = %v", rec.notes)
	}
	if len(rec.events) != 1 {
		t.Fatalf("escalation must not broadcast, got %v", eventTypes(rec.events))
	}
	clk.Advance(time.Hour)
	if rec.count("overdue") != 1 || rec.count("missing") != 1 {
		t.Fatalf("escalation repeated: %v", rec.notes)
	}
}

func TestDebugModeSkipsEscalation(t *testing.T) {
	t.Parallel()

	m, clk, rec := newTestMachine(t, true)
	m.Return("test")
	m.Take("test")
	clk.Advance(testMissing + testNotify)
	if rec.count("missing") != 1 {
		t.Fatalf("missing should still be reported in debug mode: %v", rec.notes)
	}
	if rec.count("overdue") != 0 {
		t.Fatal("debug mode must not escalate")
	}
}

func TestReturnCancelsMissingTimers(t *testing.T) {
	t.Parallel()

	m, clk, rec := presentMachine(t)
	m.Take("test")
	clk.Advance(testMissing - time.Second)
	m.Return("test")
	rec.reset()
	clk.Advance(time.Hour)
	if len(rec.events) != 0 || len(rec.notes) != 0 {
		t.Fatalf("cancelled missing timer fired: %v %v", eventTypes(rec.events), rec.notes)
	}
	if m.Status() != StatusPresent {
		t.Fatalf("status = %s", m.Status())
	}
}

func TestReturnFromMissingClearsState(t *testing.T) {
	t.Parallel()

	m, clk, rec := presentMachine(t)
	m.Take("test")
	clk.Advance(testMissing)
	rec.reset()
	if !m.Return("test") {
		t.Fatal("return from missing should succeed")
	}
	snap := m.Snapshot()
	if !snap.KeyPresent || snap.KeyMissing || snap.KeyMissingSince != nil || snap.KeyTakenOn != nil {
		t.Fatalf("state not cleared: %+v", snap)
	}
	if got := eventTypes(rec.events); len(got) != 1 || got[0] != EventKeyReturned {
		t.Fatalf("events = %v", got)
	}
	clk.Advance(time.Hour)
	if rec.count("overdue") != 0 {
		t.Fatal("escalation fired after return")
	}
	checkInvariants(t, m)
}

func TestTakeReturnSequencesKeepInvariants(t *testing.T) {
	t.Parallel()

	m, clk, _ := newTestMachine(t, false)
	steps := []func(){
		func() { m.Take("t") },
		func() { m.Return("t") },
		func() { m.Take("t") },
		func() { clk.Advance(testMissing) },
		func() { m.Take("t") },
		func() { clk.Advance(testNotify) },
		func() { m.Return("t") },
		func() { m.Return("t") },
		func() { m.Enqueue("a") },
		func() { m.Take("t") },
		func() { clk.Advance(testMissing / 2) },
		func() { m.Return("t") },
	}
	for i, step := range steps {
		step()
		checkInvariants(t, m)
		if m.present && m.Status() != StatusPresent {
			t.Fatalf("step %d: inconsistent status", i)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	m, _, _ := presentMachine(t)
	m.Enqueue("a")
	snap := m.Snapshot()
	snap.Queue[0].ClientID = "mutated"
	if m.queue[0].ClientID != "a" {
		t.Fatal("snapshot shares queue storage with the machine")
	}
}
