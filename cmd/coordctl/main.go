// coordctl drives a coordinator from the command line.
//
// Usage:
//
//	coordctl [global options] <command> [arguments]
//
// Commands:
//
//	publish <channel> <json>   publish one message
//	subscribe <channel>        print messages of a channel until interrupted
//	serve                      expose /metrics, /publish, /sse and /ws over HTTP
//	contend <key>              run concurrent workers against one lock key
//
// The transport comes from --config (YAML or JSON) and can be overridden by
// flags:
//
//	coordctl --transport redis --redis-addr localhost:6379 subscribe cache
//	coordctl --transport redis --redis-addr localhost:6379 publish cache '{"drop":"users"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Set with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func createApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "coordctl",
		Usage:     "locks and pub/sub for multi-instance applications",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     globalFlags(),
		Commands: []*cli.Command{
			publishCommand(),
			subscribeCommand(),
			serveCommand(),
			contendCommand(),
		},
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(stderr, err)
			}
		},
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := createApp(stdout, stderr).Run(ctx, args); err != nil {
		var usage *usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(stderr, "usage error: %v\n", usage)
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// usageError marks invalid arguments; it maps to exit code 2.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
