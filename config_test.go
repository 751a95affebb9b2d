package keyd

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.MissingTimeout != 15*time.Minute || cfg.MissingNotifyTimeout != 2*time.Minute || cfg.QueueHoldTimeout != 30*time.Second {
		t.Fatalf("custody timeouts = %v %v %v", cfg.MissingTimeout, cfg.MissingNotifyTimeout, cfg.QueueHoldTimeout)
	}
	if cfg.ConnectionCleanupGrace != 3*time.Second || cfg.SensorWatchdog != 3500*time.Millisecond {
		t.Fatalf("grace %v watchdog %v", cfg.ConnectionCleanupGrace, cfg.SensorWatchdog)
	}
	if cfg.AnimFrame != 10*time.Millisecond || cfg.AnimTransition != 250*time.Millisecond {
		t.Fatalf("anim %v %v", cfg.AnimFrame, cfg.AnimTransition)
	}
	if cfg.SensorDevice != "/dev/ttyAMA0" || cfg.Display != DisplayLog {
		t.Fatalf("device %q display %q", cfg.SensorDevice, cfg.Display)
	}
	if cfg.MailEnabled() || cfg.ChatEnabled() || !cfg.SensorEnabled() {
		t.Fatalf("unexpected feature toggles: %+v", cfg)
	}
}

func TestConfigDebugModeOverridesTimeouts(t *testing.T) {
	t.Parallel()

	cfg := Config{DebugMode: true, MissingTimeout: time.Hour}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.MissingTimeout != 5*time.Second || cfg.MissingNotifyTimeout != 3*time.Second || cfg.QueueHoldTimeout != 10*time.Second {
		t.Fatalf("debug timeouts = %v %v %v", cfg.MissingTimeout, cfg.MissingNotifyTimeout, cfg.QueueHoldTimeout)
	}
	if cfg.SensorEnabled() {
		t.Fatal("debug mode must not consult the sensor")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad listen", Config{Listen: "8080"}, "listen"},
		{"negative hold", Config{QueueHoldTimeout: -time.Second}, "queue hold timeout"},
		{"profiling without metrics", Config{EnableProfilingMetrics: true}, "metrics-listen"},
		{"unknown display", Config{Display: "hdmi"}, "unknown display"},
		{"rooms without chat", Config{ChatRoomsFile: "rooms.yaml"}, "chat-server"},
		{"mail without recipients", Config{MailAddr: "smtp.example.com:25", MailFrom: "keyd@example.com"}, "mail-to"},
		{"mail bad addr", Config{MailAddr: "smtp.example.com"}, "mail addr"},
		{"bucket without nats", Config{NATSStateBucket: "keyd"}, "nats-url"},
		{"negative send buffer", Config{WSSendBuffer: -1}, "send buffer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestConfigChatDefaultsRoomsFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KEYD_CONFIG_DIR", dir)

	cfg := Config{ChatServer: "https://chat.example.com"}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "rooms.yaml"); cfg.ChatRoomsFile != want {
		t.Fatalf("rooms file = %q, want %q", cfg.ChatRoomsFile, want)
	}
}

func TestConfigMailAndNATSDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{
		MailAddr: "smtp.example.com:25",
		MailFrom: "keyd@example.com",
		MailTo:   []string{"office@example.com"},
		NATSURL:  "nats://127.0.0.1:4222",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.MailSubject != DefaultMailSubject || cfg.NATSPrefix != DefaultNATSPrefix {
		t.Fatalf("subject %q prefix %q", cfg.MailSubject, cfg.NATSPrefix)
	}
}
