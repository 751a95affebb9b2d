package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/keyd"
)

func newConfigCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage keyd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	cmd.AddCommand(newConfigShowCommand(v))
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.keyd/" + keyd.DefaultConfigFileName
	if dir, err := keyd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, keyd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default keyd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := keyd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, keyd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

func newConfigShowCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after flags, environment and config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			cfg := bindConfig(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			file := configFileFrom(cfg, v.GetString("log-level"))
			if file.MailPassword != "" {
				file.MailPassword = "<redacted>"
			}
			data, err := yaml.Marshal(file)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// configFile is the YAML shape of a keyd config file. Keys match the flag
// names.
type configFile struct {
	Listen                 string   `yaml:"listen"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	Debug                  bool     `yaml:"debug"`
	MissingTimeout         string   `yaml:"missing-timeout"`
	MissingNotifyTimeout   string   `yaml:"missing-notify-timeout"`
	QueueHoldTimeout       string   `yaml:"queue-hold-timeout"`
	ConnectionCleanupGrace string   `yaml:"connection-cleanup-grace"`
	SensorDevice           string   `yaml:"sensor-device"`
	DisableSensor          bool     `yaml:"disable-sensor"`
	SensorWatchdog         string   `yaml:"sensor-watchdog"`
	Display                string   `yaml:"display"`
	AnimFrame              string   `yaml:"anim-frame"`
	AnimTransition         string   `yaml:"anim-transition"`
	ChatServer             string   `yaml:"chat-server"`
	ChatRoomsFile          string   `yaml:"chat-rooms-file"`
	ChatNotifications      bool     `yaml:"chat-notifications"`
	MailAddr               string   `yaml:"mail-addr"`
	MailFrom               string   `yaml:"mail-from"`
	MailTo                 []string `yaml:"mail-to"`
	MailUsername           string   `yaml:"mail-username"`
	MailPassword           string   `yaml:"mail-password"`
	MailSubject            string   `yaml:"mail-subject"`
	NATSURL                string   `yaml:"nats-url"`
	NATSPrefix             string   `yaml:"nats-prefix"`
	NATSStateBucket        string   `yaml:"nats-state-bucket"`
	WSSendBuffer           int      `yaml:"ws-send-buffer"`
	WSPingInterval         string   `yaml:"ws-ping-interval"`
	WSWriteTimeout         string   `yaml:"ws-write-timeout"`
	SecureCookie           bool     `yaml:"secure-cookie"`
	AllowedOrigins         []string `yaml:"allowed-origins"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

func configFileFrom(cfg keyd.Config, logLevel string) configFile {
	return configFile{
		Listen:                 cfg.Listen,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		OTLPEndpoint:           cfg.OTLPEndpoint,
		Debug:                  cfg.DebugMode,
		MissingTimeout:         formatDuration(cfg.MissingTimeout),
		MissingNotifyTimeout:   formatDuration(cfg.MissingNotifyTimeout),
		QueueHoldTimeout:       formatDuration(cfg.QueueHoldTimeout),
		ConnectionCleanupGrace: formatDuration(cfg.ConnectionCleanupGrace),
		SensorDevice:           cfg.SensorDevice,
		DisableSensor:          cfg.DisableSensor,
		SensorWatchdog:         formatDuration(cfg.SensorWatchdog),
		Display:                cfg.Display,
		AnimFrame:              formatDuration(cfg.AnimFrame),
		AnimTransition:         formatDuration(cfg.AnimTransition),
		ChatServer:             cfg.ChatServer,
		ChatRoomsFile:          cfg.ChatRoomsFile,
		ChatNotifications:      cfg.ChatNotifications,
		MailAddr:               cfg.MailAddr,
		MailFrom:               cfg.MailFrom,
		MailTo:                 cfg.MailTo,
		MailUsername:           cfg.MailUsername,
		MailPassword:           cfg.MailPassword,
		MailSubject:            cfg.MailSubject,
		NATSURL:                cfg.NATSURL,
		NATSPrefix:             cfg.NATSPrefix,
		NATSStateBucket:        cfg.NATSStateBucket,
		WSSendBuffer:           cfg.WSSendBuffer,
		WSPingInterval:         formatDuration(cfg.WSPingInterval),
		WSWriteTimeout:         formatDuration(cfg.WSWriteTimeout),
		SecureCookie:           cfg.SecureCookie,
		AllowedOrigins:         cfg.AllowedOrigins,
		ShutdownTimeout:        formatDuration(cfg.ShutdownTimeout),
		LogLevel:               logLevel,
	}
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configFile{
		Listen:                 keyd.DefaultListen,
		MissingTimeout:         keyd.DefaultMissingTimeout.String(),
		MissingNotifyTimeout:   keyd.DefaultMissingNotifyTimeout.String(),
		QueueHoldTimeout:       keyd.DefaultQueueHoldTimeout.String(),
		ConnectionCleanupGrace: keyd.DefaultConnectionCleanupGrace.String(),
		SensorDevice:           keyd.DefaultSensorDevice,
		SensorWatchdog:         keyd.DefaultSensorWatchdog.String(),
		Display:                keyd.DefaultDisplay,
		AnimFrame:              keyd.DefaultAnimFrame.String(),
		AnimTransition:         keyd.DefaultAnimTransition.String(),
		MailSubject:            keyd.DefaultMailSubject,
		NATSPrefix:             keyd.DefaultNATSPrefix,
		ShutdownTimeout:        keyd.DefaultShutdownTimeout.String(),
		LogLevel:               "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
