package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mirkobrombin/go-coord/v1/config"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or JSON configuration file"},
		&cli.StringFlag{Name: "name", Usage: "application name (channel prefix)"},
		&cli.StringFlag{Name: "transport", Usage: "none, memory, redis, nats or kafka"},
		&cli.StringFlag{Name: "redis-addr", Usage: "Redis address"},
		&cli.StringFlag{Name: "nats-url", Usage: "NATS server URL"},
		&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "Kafka broker addresses"},
		&cli.StringFlag{Name: "kafka-topic", Usage: "Kafka topic carrying every channel"},
		&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: "log-format", Value: "text", Usage: "text or json"},
		&cli.StringFlag{Name: "log-file", Usage: "write logs to a rotated file instead of stderr"},
		&cli.BoolFlag{Name: "trace", Usage: "print spans to stderr"},
	}
}

// loadConfig reads --config, if any, and applies flag overrides.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if v := cmd.String("name"); v != "" {
		cfg.Name = v
	}
	if v := cmd.String("transport"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := cmd.String("redis-addr"); v != "" {
		cfg.Transport.Redis.Addr = v
	}
	if v := cmd.String("nats-url"); v != "" {
		cfg.Transport.NATS.URL = v
	}
	if v := cmd.StringSlice("kafka-brokers"); len(v) > 0 {
		cfg.Transport.Kafka.Brokers = v
	}
	if v := cmd.String("kafka-topic"); v != "" {
		cfg.Transport.Kafka.Topic = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, usagef("%v", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. With --log-file the output goes
// through a size rotated file.
func newLogger(cmd *cli.Command, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		return nil, nil, usagef("invalid log level %q", cmd.String("log-level"))
	}

	var (
		out              = stderr
		closer io.Closer = nopCloser{}
	)
	if path := cmd.String("log-file"); path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		out, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cmd.String("log-format")) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	case "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		return nil, nil, usagef("invalid log format %q", cmd.String("log-format"))
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func stderrOf(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

func stdoutOf(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func requireArgs(cmd *cli.Command, n int) error {
	if cmd.Args().Len() != n {
		return usagef("%s expects %d argument(s): %s", cmd.Name, n, cmd.ArgsUsage)
	}
	return nil
}
