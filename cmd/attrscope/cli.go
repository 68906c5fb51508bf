package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/attrscope/internal/config"
	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/ops"
	"github.com/hpungsan/attrscope/internal/session"
	"github.com/hpungsan/attrscope/internal/web"
)

// maxStdinFrame bounds a frame read from stdin by the classify command.
const maxStdinFrame = 16 << 20

// newCLIApp creates the CLI application with all commands.
func newCLIApp(cfg *config.Config, log *zap.Logger) *cli.App {
	app := &cli.App{
		Name:    "attrscope",
		Usage:   "Recover attribute schemas from captured realtime database traffic",
		Version: Version,
		Commands: []*cli.Command{
			classifyCmd(),
			replayCmd(cfg, log),
			serveCmd(cfg, log),
			mcpCmd(cfg, log),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// classifyCmd creates the classify command.
func classifyCmd() *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Classify one frame and decode it when complete (reads stdin when no argument is given)",
		ArgsUsage: "[frame]",
		Action: func(c *cli.Context) error {
			text := c.Args().First()
			if c.NArg() == 0 {
				if !stdinHasData() {
					return outputError(errors.NewInvalidRequest("frame must be an argument or piped via stdin"))
				}
				var err error
				text, err = readStdin(maxStdinFrame)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
			}

			output, err := ops.Classify(ops.ClassifyInput{Text: text})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// replayResult is the output of a one-shot replay.
type replayResult struct {
	Replay *ops.ReplayOutput `json:"replay"`
	State  *ops.StateOutput  `json:"state"`
}

// replayCmd creates the replay command.
func replayCmd(cfg *config.Config, log *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Replay a capture file and print the reconciled attribute state",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "Keep tailing the file and print every pass as a JSON line"},
			&cli.BoolFlag{Name: "from-start", Usage: "With --follow, read existing lines before tailing"},
			&cli.BoolFlag{Name: "schema", Usage: "Include the merged schema table in the output"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("path is required"))
			}
			path := c.Args().First()

			rt, err := newRuntime(cfg, log)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			defer rt.Close()

			if c.Bool("follow") {
				return follow(c, rt, path)
			}

			replayed, err := ops.Replay(c.Context, rt.sess, nil, rt.cfg, ops.ReplayInput{Path: path})
			if err != nil {
				return outputError(err)
			}
			if _, err := rt.sess.Reconcile(c.Context); err != nil {
				return outputError(errors.NewInternal(err))
			}
			state, err := ops.State(rt.sess, ops.StateInput{IncludeSchema: c.Bool("schema")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(replayResult{Replay: replayed, State: state})
		},
	}
}

// follow tails path until it is removed or the process is interrupted,
// printing one JSON line per reconciliation pass.
func follow(c *cli.Context, rt *runtime, path string) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	unsubscribe := rt.drv.Subscribe(func(st *session.State) {
		_ = enc.Encode(st)
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.drv.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		out, err := ops.Follow(gctx, rt.sess, rt.drv, rt.cfg, ops.FollowInput{
			Path:      path,
			FromStart: c.Bool("from-start"),
		}, rt.log)
		if err != nil {
			return err
		}
		rt.log.Info("follow ended",
			zap.String("path", out.Path),
			zap.Int("lines", out.Lines),
			zap.Int("accepted", out.Accepted),
			zap.Int("errors", len(out.Errors)),
		)
		return nil
	})
	if err := g.Wait(); err != nil {
		return outputError(err)
	}
	return nil
}

// serveCmd creates the serve command.
func serveCmd(cfg *config.Config, log *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API, WebSocket frame feed and metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Aliases: []string{"b"}, Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8642, Usage: "Port to listen on"},
			&cli.StringFlag{Name: "follow", Usage: "Also tail this capture file into the session"},
			&cli.StringFlag{Name: "nats-url", Usage: "Publish every pass to this NATS server (overrides nats_url)"},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(cfg, log)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			defer rt.Close()

			natsURL := rt.cfg.NATSURL
			if c.IsSet("nats-url") {
				natsURL = c.String("nats-url")
			}
			detach, err := rt.attachNATS(natsURL)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			defer detach()

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			srv := web.NewServer(web.Options{
				Session: rt.sess,
				Driver:  rt.drv,
				Config:  rt.cfg,
				Metrics: rt.metrics,
				Logger:  rt.log,
			}, c.String("bind"), c.Int("port"))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return rt.drv.Run(gctx)
			})
			g.Go(func() error {
				return web.Run(gctx, srv, rt.log)
			})
			if path := c.String("follow"); path != "" {
				g.Go(func() error {
					out, err := ops.Follow(gctx, rt.sess, rt.drv, rt.cfg, ops.FollowInput{Path: path, FromStart: true}, rt.log)
					if err != nil {
						return err
					}
					rt.log.Info("follow ended", zap.String("path", out.Path), zap.Int("accepted", out.Accepted))
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// mcpCmd creates the mcp command, the explicit form of the default mode.
func mcpCmd(cfg *config.Config, log *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve MCP tools on stdio",
		Action: func(_ *cli.Context) error {
			if cfg == nil {
				cfg = config.DefaultConfig()
			}
			if err := runMCP(cfg, log); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if sErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", sErr.Code, sErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("stdin exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}
