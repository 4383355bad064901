package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-coord/v1/coord"
	"github.com/mirkobrombin/go-coord/v1/metrics"
	"github.com/mirkobrombin/go-coord/v1/presets"
)

// env is what every command runs against.
type env struct {
	log      *slog.Logger
	registry *prometheus.Registry
	coord    *coord.Coordinator
	closers  []func(context.Context) error
}

// setup loads the configuration and starts a coordinator.
func setup(ctx context.Context, cmd *cli.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, logCloser, err := newLogger(cmd, stderrOf(cmd))
	if err != nil {
		return nil, err
	}
	e := &env{log: log, registry: metrics.NewRegistry()}
	e.closers = append(e.closers, func(context.Context) error { return logCloser.Close() })

	if cmd.Bool("trace") {
		shutdown, err := setupTracing(stderrOf(cmd))
		if err != nil {
			_ = e.close(ctx)
			return nil, err
		}
		e.closers = append(e.closers, shutdown)
	}

	c, err := presets.FromConfig(cfg, log, e.registry)
	if err != nil {
		_ = e.close(ctx)
		return nil, err
	}
	e.coord = c
	if err := c.Start(ctx); err != nil {
		_ = e.close(ctx)
		return nil, err
	}
	e.closers = append(e.closers, c.Stop)
	return e, nil
}

// close runs the closers in reverse order.
func (e *env) close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
