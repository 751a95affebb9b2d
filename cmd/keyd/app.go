package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/keyd"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

const envPrefix = "KEYD"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("KEYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "keyd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

// serverFlags lists every flag that maps onto keyd.Config. The names double
// as YAML keys and, upper-cased with a KEYD_ prefix, as environment variables.
var serverFlags = []string{
	"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"debug", "missing-timeout", "missing-notify-timeout", "queue-hold-timeout", "connection-cleanup-grace",
	"sensor-device", "disable-sensor", "sensor-watchdog",
	"display", "anim-frame", "anim-transition",
	"chat-server", "chat-rooms-file", "chat-notifications",
	"mail-addr", "mail-from", "mail-to", "mail-username", "mail-password", "mail-subject",
	"nats-url", "nats-prefix", "nats-state-bucket",
	"ws-send-buffer", "ws-ping-interval", "ws-write-timeout", "secure-cookie", "allowed-origins",
	"shutdown-timeout", "log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "keyd",
		Short:         "keyd tracks the office key: who has it, who is next, and when it went missing",
		SilenceErrors: true,
		Example: `
  # Production: RFID reader on the Pi UART, mail when the key stays missing
  keyd --sensor-device /dev/ttyAMA0 --mail-addr smtp.example.com:25 \
    --mail-from keyd@example.com --mail-to office@example.com

  # Debug mode: no reader, short timeouts, toggle custody with GET /switch
  keyd --debug

  # Publish every event to NATS and keep the latest snapshot in a KV bucket
  KEYD_NATS_URL=nats://127.0.0.1:4222 KEYD_NATS_STATE_BUCKET=keyd keyd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to keyd",
				"app", "keyd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg := bindConfig(v)

			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := keyd.NewServer(cfg, keyd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = keyd.DefaultShutdownTimeout
			}
			shutdown := func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			stopWatch := make(chan struct{})
			watchDone := make(chan struct{})
			go func() {
				defer close(watchDone)
				select {
				case <-ctx.Done():
					if err := shutdown(); err != nil {
						cliLogger.Error("shutdown failed", "error", err)
					}
				case <-stopWatch:
				}
			}()

			startErr := server.Start()
			close(stopWatch)
			<-watchDone
			shutdownErr := shutdown()
			if startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				return startErr
			}
			return shutdownErr
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.keyd/"+keyd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := persistentFlags
	flags.String("listen", keyd.DefaultListen, "HTTP listen address")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint listen address (empty disables)")
	flags.String("pprof-listen", "", "debug/pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host:port, grpc://, grpcs://, http:// or https://)")
	flags.Bool("debug", false, "debug mode: ignore the reader, short timeouts, never mail")
	flags.Duration("missing-timeout", keyd.DefaultMissingTimeout, "how long the key may be out before it counts as missing")
	flags.Duration("missing-notify-timeout", keyd.DefaultMissingNotifyTimeout, "how long the key may be missing before mail goes out")
	flags.Duration("queue-hold-timeout", keyd.DefaultQueueHoldTimeout, "how long the queue head may hold a returned key")
	flags.Duration("connection-cleanup-grace", keyd.DefaultConnectionCleanupGrace, "grace before a disconnected client loses its reservation")
	flags.String("sensor-device", keyd.DefaultSensorDevice, "serial device of the RFID reader")
	flags.Bool("disable-sensor", false, "run without the RFID reader")
	flags.Duration("sensor-watchdog", keyd.DefaultSensorWatchdog, "silence after which the key counts as taken")
	flags.String("display", keyd.DefaultDisplay, "ambient display driver (none, log)")
	flags.Duration("anim-frame", keyd.DefaultAnimFrame, "animation frame interval")
	flags.Duration("anim-transition", keyd.DefaultAnimTransition, "fade between ambient scenes")
	flags.String("chat-server", "", "chat server base URL (empty disables chat integration)")
	flags.String("chat-rooms-file", "", "installed chat rooms file (defaults to $HOME/.keyd/rooms.yaml)")
	flags.Bool("chat-notifications", false, "post room notifications on custody changes")
	flags.String("mail-addr", "", "SMTP server host:port (empty disables mail)")
	flags.String("mail-from", "", "sender address for missing-key mail")
	flags.StringSlice("mail-to", nil, "recipients for missing-key mail")
	flags.String("mail-username", "", "SMTP username")
	flags.String("mail-password", "", "SMTP password (or use KEYD_MAIL_PASSWORD)")
	flags.String("mail-subject", keyd.DefaultMailSubject, "subject of missing-key mail")
	flags.String("nats-url", "", "NATS server URL (empty disables publishing)")
	flags.String("nats-prefix", keyd.DefaultNATSPrefix, "subject prefix for published events")
	flags.String("nats-state-bucket", "", "JetStream KV bucket holding the latest snapshot (optional)")
	flags.Int("ws-send-buffer", 0, "queued frames per websocket before the client counts as slow (0 uses default)")
	flags.Duration("ws-ping-interval", 0, "websocket ping interval (0 uses default)")
	flags.Duration("ws-write-timeout", 0, "websocket write timeout (0 uses default)")
	flags.Bool("secure-cookie", false, "mark the session cookie Secure")
	flags.StringSlice("allowed-origins", nil, "extra websocket origins to accept (* accepts all)")
	flags.Duration("shutdown-timeout", keyd.DefaultShutdownTimeout, "overall graceful shutdown timeout")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range append([]string{"config"}, serverFlags...) {
		mustBind(v, persistentFlags, name)
	}

	cmd.AddCommand(newConfigCommand(v))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func mustBind(v *viper.Viper, flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic(fmt.Sprintf("flag %q not found", name))
	}
	if err := v.BindPFlag(name, flag); err != nil {
		panic(err)
	}
}

func bindConfig(v *viper.Viper) keyd.Config {
	return keyd.Config{
		Listen:                 v.GetString("listen"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
		DebugMode:              v.GetBool("debug"),
		MissingTimeout:         v.GetDuration("missing-timeout"),
		MissingNotifyTimeout:   v.GetDuration("missing-notify-timeout"),
		QueueHoldTimeout:       v.GetDuration("queue-hold-timeout"),
		ConnectionCleanupGrace: v.GetDuration("connection-cleanup-grace"),
		SensorDevice:           v.GetString("sensor-device"),
		DisableSensor:          v.GetBool("disable-sensor"),
		SensorWatchdog:         v.GetDuration("sensor-watchdog"),
		Display:                strings.ToLower(strings.TrimSpace(v.GetString("display"))),
		AnimFrame:              v.GetDuration("anim-frame"),
		AnimTransition:         v.GetDuration("anim-transition"),
		ChatServer:             v.GetString("chat-server"),
		ChatRoomsFile:          v.GetString("chat-rooms-file"),
		ChatNotifications:      v.GetBool("chat-notifications"),
		MailAddr:               v.GetString("mail-addr"),
		MailFrom:               v.GetString("mail-from"),
		MailTo:                 v.GetStringSlice("mail-to"),
		MailUsername:           v.GetString("mail-username"),
		MailPassword:           v.GetString("mail-password"),
		MailSubject:            v.GetString("mail-subject"),
		NATSURL:                v.GetString("nats-url"),
		NATSPrefix:             v.GetString("nats-prefix"),
		NATSStateBucket:        v.GetString("nats-state-bucket"),
		WSSendBuffer:           v.GetInt("ws-send-buffer"),
		WSPingInterval:         v.GetDuration("ws-ping-interval"),
		WSWriteTimeout:         v.GetDuration("ws-write-timeout"),
		SecureCookie:           v.GetBool("secure-cookie"),
		AllowedOrigins:         v.GetStringSlice("allowed-origins"),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
	}
}

// loadConfigFile reads --config, or the default config file when it exists.
// It returns the path that was read.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := keyd.DefaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, keyd.DefaultConfigFileName)
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}
