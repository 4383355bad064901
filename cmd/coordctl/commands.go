package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/lock"
	"github.com/mirkobrombin/go-coord/v1/pubsub"
	"github.com/mirkobrombin/go-coord/v1/pubsub/stream"
)

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "publish a JSON message on a channel",
		ArgsUsage: "<channel> <json>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := requireArgs(cmd, 2); err != nil {
				return err
			}
			channel, body := cmd.Args().Get(0), cmd.Args().Get(1)
			if !json.Valid([]byte(body)) {
				return usagef("message is not valid JSON: %s", body)
			}
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close(context.Background())
			return e.coord.PubSub.Publish(ctx, channel, json.RawMessage(body))
		},
	}
}

func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "print the messages of a channel, one JSON document per line",
		ArgsUsage: "<channel>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "debounce", Usage: "only print the last message of a burst"},
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "exit after this many messages (0: never)"},
			&cli.BoolFlag{Name: "all", Usage: "print every channel of the prefix, ignoring <channel>"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			all := cmd.Bool("all")
			if !all {
				if err := requireArgs(cmd, 1); err != nil {
					return err
				}
			}
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			out := stdoutOf(cmd)
			limit := cmd.Int("count")
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			var (
				mu   sync.Mutex
				seen int
			)
			emit := func(channel string, msg json.RawMessage) {
				mu.Lock()
				defer mu.Unlock()
				if limit > 0 && seen >= limit {
					return
				}
				seen++
				fmt.Fprintf(out, "%s\t%s\n", channel, msg)
				if limit > 0 && seen >= limit {
					cancel()
				}
			}
			// Messages sent from this very process are never expected, so the
			// default self filter is kept.
			opts := []pubsub.SubscribeOption{pubsub.WithDebounce(cmd.Duration("debounce"))}
			if all {
				id := e.coord.PubSub.OnMessage(emit, opts...)
				defer e.coord.PubSub.OffMessage(id)
			} else {
				channel := cmd.Args().Get(0)
				id, err := e.coord.PubSub.Subscribe(ctx, channel, func(msg json.RawMessage) { emit(channel, msg) }, opts...)
				if err != nil {
					return err
				}
				defer e.coord.PubSub.Unsubscribe(context.Background(), channel, id)
			}
			e.log.Info("coordctl: subscribed", "prefix", e.coord.PubSub.Prefix())
			<-ctx.Done()
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve /metrics, /publish, /sse and /ws",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":2112", Usage: "listen address"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			ln, err := net.Listen("tcp", cmd.String("addr"))
			if err != nil {
				return err
			}
			srv := &http.Server{Handler: newMux(e), ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				e.log.Info("coordctl: serving", "addr", ln.Addr().String())
				if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func newMux(e *env) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	mux.Handle("/publish", stream.PublishHandler(e.coord.PubSub))
	mux.Handle("/sse", stream.SSEHandler(e.coord.PubSub))
	mux.Handle("/ws", stream.WebSocketHandler(e.coord.PubSub))
	return mux
}

func contendCommand() *cli.Command {
	return &cli.Command{
		Name:      "contend",
		Usage:     "run workers that take turns on one lock key and report the grant order",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Value: 4, Usage: "number of contenders"},
			&cli.DurationFlag{Name: "hold", Value: 10 * time.Millisecond, Usage: "time each worker holds the lock"},
			&cli.DurationFlag{Name: "timeout", Usage: "acquire timeout (0: wait forever)"},
			&cli.DurationFlag{Name: "stagger", Value: time.Millisecond, Usage: "delay between worker arrivals"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := requireArgs(cmd, 1); err != nil {
				return err
			}
			workers := cmd.Int("workers")
			if workers < 1 {
				return usagef("--workers must be positive")
			}
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close(context.Background())

			res, err := contend(ctx, e.coord.Locks, cmd.Args().Get(0), workers,
				cmd.Duration("hold"), cmd.Duration("timeout"), cmd.Duration("stagger"))
			out := stdoutOf(cmd)
			fmt.Fprintf(out, "granted: %v\n", res.order)
			if len(res.timedOut) > 0 {
				fmt.Fprintf(out, "timed out: %v\n", res.timedOut)
			}
			return err
		},
	}
}

type contendResult struct {
	order    []int
	timedOut []int
}

// contend starts workers in arrival order, each holding key for hold. Acquire
// timeouts are reported in the result; any other failure stops the remaining
// workers and is returned.
func contend(ctx context.Context, locks *lock.Manager, key string, workers int, hold, timeout, stagger time.Duration) (contendResult, error) {
	var (
		mu  sync.Mutex
		res contendResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= workers; i++ {
		g.Go(func() error {
			err := locks.RunExclusive(gctx, key, timeout, func(ctx context.Context) error {
				mu.Lock()
				res.order = append(res.order, i)
				mu.Unlock()
				select {
				case <-time.After(hold):
				case <-ctx.Done():
				}
				return nil
			})
			if errors.Is(err, coorderrors.ErrLockAcquireTimeout) {
				mu.Lock()
				res.timedOut = append(res.timedOut, i)
				mu.Unlock()
				return nil
			}
			return err
		})
		time.Sleep(stagger)
	}
	err := g.Wait()
	slices.Sort(res.timedOut)
	return res, err
}
