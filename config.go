package keyd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/keyd/internal/anim"
	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/httpapi"
	"pkt.systems/keyd/internal/publish"
	"pkt.systems/keyd/internal/sensor"
)

const (
	// DefaultListen is the default HTTP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultMissingTimeout is how long the key may stay out before it is
	// reported missing.
	DefaultMissingTimeout = core.DefaultMissingTimeout
	// DefaultMissingNotifyTimeout is how long the key may stay missing before
	// the overdue mail goes out.
	DefaultMissingNotifyTimeout = core.DefaultMissingNotifyTimeout
	// DefaultQueueHoldTimeout is how long the queue head may keep its turn
	// while the key is on the hook.
	DefaultQueueHoldTimeout = core.DefaultQueueHoldTimeout
	// DefaultConnectionCleanupGrace is how long a client may stay
	// disconnected before its reservation is dropped.
	DefaultConnectionCleanupGrace = core.DefaultCleanupGrace
	// DefaultSensorDevice is the serial device of the RFID reader.
	DefaultSensorDevice = sensor.DefaultDevice
	// DefaultSensorWatchdog is how long the tag may go unread before the key
	// counts as taken.
	DefaultSensorWatchdog = sensor.DefaultWatchdogTimeout
	// DefaultAnimFrame is the LED animation frame period.
	DefaultAnimFrame = anim.DefaultFrame
	// DefaultAnimTransition is the fade used between ambient scenes.
	DefaultAnimTransition = anim.DefaultTransition
	// DefaultDisplay selects the LED strip driver.
	DefaultDisplay = DisplayLog
	// DefaultNATSPrefix prefixes every published subject.
	DefaultNATSPrefix = publish.DefaultPrefix
	// DefaultMailSubject is used when MailSubject is empty.
	DefaultMailSubject = "The key is missing"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is looked up under DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Debug mode timings. They are short enough to walk through every state by
// hand.
const (
	DebugMissingTimeout       = 5 * time.Second
	DebugMissingNotifyTimeout = 3 * time.Second
	DebugQueueHoldTimeout     = 10 * time.Second
)

// Display drivers.
const (
	// DisplayNone disables the ambient indicator entirely.
	DisplayNone = "none"
	// DisplayLog runs the animator and traces every frame to the logger.
	DisplayLog = "log"
)

var displayChoices = []string{DisplayNone, DisplayLog}

// Config captures the tunables for a keyd server.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string
	// MetricsListen is the Prometheus scrape endpoint; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://
	// or a bare host:port for insecure gRPC).
	OTLPEndpoint string

	// DebugMode ignores the sensor, shortens every timeout and never mails.
	DebugMode bool

	MissingTimeout         time.Duration
	MissingNotifyTimeout   time.Duration
	QueueHoldTimeout       time.Duration
	ConnectionCleanupGrace time.Duration

	// SensorDevice is the serial device of the RFID reader.
	SensorDevice string
	// DisableSensor runs without a reader; custody then only changes
	// through /switch.
	DisableSensor  bool
	SensorWatchdog time.Duration

	// Display selects the LED driver ("none" or "log").
	Display        string
	AnimFrame      time.Duration
	AnimTransition time.Duration

	// ChatServer enables the chat room integration.
	ChatServer string
	// ChatRoomsFile is the YAML room store, reloaded when it changes.
	ChatRoomsFile string
	// ChatNotifications enables the red/green room messages.
	ChatNotifications bool

	// MailAddr (host:port) enables the overdue mail.
	MailAddr     string
	MailFrom     string
	MailTo       []string
	MailUsername string
	MailPassword string
	MailSubject  string

	// NATSURL enables the message-bus publisher.
	NATSURL    string
	NATSPrefix string
	// NATSStateBucket retains the latest state in a JetStream key-value
	// bucket.
	NATSStateBucket string

	WSSendBuffer   int
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	// SecureCookie marks the session cookie Secure (serve behind TLS).
	SecureCookie bool
	// AllowedOrigins lists extra websocket origins besides same-origin.
	// A single "*" accepts every origin.
	AllowedOrigins []string

	ShutdownTimeout time.Duration
}

// Validate applies defaults and checks the configuration. Debug mode
// overrides the custody timeouts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: listen %q: %w", c.Listen, err)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}

	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"missing timeout", &c.MissingTimeout, DefaultMissingTimeout},
		{"missing notify timeout", &c.MissingNotifyTimeout, DefaultMissingNotifyTimeout},
		{"queue hold timeout", &c.QueueHoldTimeout, DefaultQueueHoldTimeout},
		{"connection cleanup grace", &c.ConnectionCleanupGrace, DefaultConnectionCleanupGrace},
		{"sensor watchdog", &c.SensorWatchdog, DefaultSensorWatchdog},
		{"anim frame", &c.AnimFrame, DefaultAnimFrame},
		{"anim transition", &c.AnimTransition, DefaultAnimTransition},
		{"websocket ping interval", &c.WSPingInterval, httpapi.DefaultPingInterval},
		{"websocket write timeout", &c.WSWriteTimeout, httpapi.DefaultWriteTimeout},
		{"shutdown timeout", &c.ShutdownTimeout, DefaultShutdownTimeout},
	}
	for _, d := range durations {
		if *d.value < 0 {
			return fmt.Errorf("config: %s must be >= 0", d.name)
		}
		if *d.value == 0 {
			*d.value = d.def
		}
	}
	if c.DebugMode {
		c.MissingTimeout = DebugMissingTimeout
		c.MissingNotifyTimeout = DebugMissingNotifyTimeout
		c.QueueHoldTimeout = DebugQueueHoldTimeout
	}

	if c.WSSendBuffer < 0 {
		return fmt.Errorf("config: websocket send buffer must be >= 0")
	}
	if c.WSSendBuffer == 0 {
		c.WSSendBuffer = httpapi.DefaultSendBuffer
	}

	if c.SensorDevice == "" {
		c.SensorDevice = DefaultSensorDevice
	}
	c.Display = strings.ToLower(strings.TrimSpace(c.Display))
	if c.Display == "" {
		c.Display = DefaultDisplay
	}
	if !slices.Contains(displayChoices, c.Display) {
		return fmt.Errorf("config: unknown display %q (options: %s)", c.Display, strings.Join(displayChoices, ", "))
	}

	c.ChatServer = strings.TrimSpace(c.ChatServer)
	if c.ChatServer == "" && (c.ChatRoomsFile != "" || c.ChatNotifications) {
		return fmt.Errorf("config: chat rooms and notifications require chat-server")
	}
	if c.ChatServer != "" && c.ChatRoomsFile == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("config: chat rooms file: %w", err)
		}
		c.ChatRoomsFile = filepath.Join(dir, "rooms.yaml")
	}

	if c.MailAddr != "" {
		if _, _, err := net.SplitHostPort(c.MailAddr); err != nil {
			return fmt.Errorf("config: mail addr %q: %w", c.MailAddr, err)
		}
		if c.MailFrom == "" || len(c.MailTo) == 0 {
			return fmt.Errorf("config: mail requires mail-from and mail-to")
		}
		if c.MailSubject == "" {
			c.MailSubject = DefaultMailSubject
		}
	}

	if c.NATSURL != "" && c.NATSPrefix == "" {
		c.NATSPrefix = DefaultNATSPrefix
	}
	if c.NATSURL == "" && c.NATSStateBucket != "" {
		return fmt.Errorf("config: nats state bucket requires nats-url")
	}
	return nil
}

// MailEnabled reports whether the overdue mail is configured.
func (c Config) MailEnabled() bool {
	return c.MailAddr != ""
}

// ChatEnabled reports whether the chat integration is configured.
func (c Config) ChatEnabled() bool {
	return c.ChatServer != ""
}

// SensorEnabled reports whether the RFID reader is consulted. Debug mode
// ignores the reader.
func (c Config) SensorEnabled() bool {
	return !c.DisableSensor && !c.DebugMode
}

// DefaultConfigDir returns the directory keyd reads its files from:
// $KEYD_CONFIG_DIR when set, otherwise ~/.keyd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("KEYD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".keyd"), nil
}
