package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/attrscope/internal/config"
	"github.com/hpungsan/attrscope/internal/logging"
	"github.com/hpungsan/attrscope/internal/mcp"
	"github.com/hpungsan/attrscope/internal/metrics"
	"github.com/hpungsan/attrscope/internal/notify"
	"github.com/hpungsan/attrscope/internal/reconcile"
	"github.com/hpungsan/attrscope/internal/session"
)

// runtime is one capture session with its reconciliation driver.
type runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	sess    *session.Session
	drv     *reconcile.Driver
}

func newRuntime(cfg *config.Config, log *zap.Logger) (*runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log = logging.OrNop(log)
	m := metrics.New()

	opts, err := session.OptionsFromConfig(cfg, log, m)
	if err != nil {
		return nil, err
	}
	sess := session.New(opts)
	return &runtime{
		cfg:     cfg,
		log:     log,
		metrics: m,
		sess:    sess,
		drv:     reconcile.New(sess, cfg.Quiescence(), log),
	}, nil
}

// attachNATS publishes every pass to url. An empty url is a no-op.
// The returned function detaches and drains the connection.
func (rt *runtime) attachNATS(url string) (func(), error) {
	if url == "" {
		return func() {}, nil
	}
	nc, err := notify.Connect(url)
	if err != nil {
		return nil, err
	}
	sink := notify.NewSink(nc, rt.cfg.NATSSubject, rt.log)
	unsubscribe := rt.drv.Subscribe(sink.Listener())
	rt.log.Info("publishing passes to NATS", zap.String("url", url), zap.String("subject", sink.Subject()))

	return func() {
		unsubscribe()
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}, nil
}

func (rt *runtime) Close() error {
	return rt.sess.Close()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runMCP serves MCP on stdio with the driver running alongside.
func runMCP(cfg *config.Config, log *zap.Logger) error {
	log = logging.OrNop(log)
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn("unknown tools in disabled_tools", zap.Strings("tools", unknown))
	}

	rt, err := newRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	detach, err := rt.attachNATS(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer detach()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.drv.Run(gctx)
	})
	g.Go(func() error {
		// ServeStdio returns when stdin closes; stop the driver with it
		defer cancel()
		return mcp.Run(rt.sess, rt.drv, cfg, Version)
	})
	return g.Wait()
}
