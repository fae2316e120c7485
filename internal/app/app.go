package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deribit-hedger/internal/account"
	"deribit-hedger/internal/alerts"
	"deribit-hedger/internal/command"
	"deribit-hedger/internal/config"
	"deribit-hedger/internal/exec"
	"deribit-hedger/internal/hedge"
	"deribit-hedger/internal/market"
	"deribit-hedger/internal/metrics"
	"deribit-hedger/internal/pricing"
	"deribit-hedger/internal/session"
	"deribit-hedger/internal/state"
	"deribit-hedger/internal/state/sqlite"
	"deribit-hedger/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	metrics   *metrics.Metrics
	promHTTP  http.Handler
	market    *market.MarketData
	account   *account.Account
	session   *session.Session
	executor  *exec.Executor
	hedger    *hedge.Engine
	parser    *command.Parser
	telegram  *alerts.Telegram
	timescale *timescale.Writer
	pricer    pricing.ImpliedVolFunc

	in    io.Reader
	outMu sync.Mutex
	out   io.Writer

	stop context.CancelFunc
}

type Option func(*App)

// WithConsole replaces stdin/stdout for the operator console.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) {
		a.session = session.New(a.cfg, a.market, a.account, a.log, a.metrics, opts...)
	}
}

func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		metrics: metrics.NewNoop(),
		market:  market.New(),
		account: account.New(),
		pricer:  pricing.ImpliedVol,
		in:      os.Stdin,
		out:     os.Stdout,
	}
	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		a.metrics = prom.Metrics
		a.promHTTP = prom.Handler()
	}
	a.session = session.New(cfg, a.market, a.account, log, a.metrics)
	for _, opt := range opts {
		opt(a)
	}
	a.telegram = alerts.NewTelegram(cfg.Telegram, cfg.Exchange.Currency, log)
	a.executor = exec.New(a.session, store, cfg.Console.OrderPacing, log, a.metrics)
	a.hedger = hedge.New(cfg.Hedge, a.account, a.market, a.executor, log,
		hedge.WithImpliedVol(a.pricer),
		hedge.WithStore(store),
		hedge.WithReporter(a),
		hedge.WithMetrics(a.metrics),
	)
	a.parser = command.NewParser(cfg.Console.Instrument, cfg.Console.SizeMultiplier, a.market, command.NewLabeler(store))
	a.session.OnPortfolio(a.onPortfolio)
	a.session.SetReporter(a)

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.timescale = writer
	return a, nil
}

// Run starts the session and the supporting loops and blocks until ctx ends
// or the operator quits.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.timescale.Close()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	a.stop = stop

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.session.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.session.Shutdown()
		return nil
	})
	g.Go(func() error {
		a.restoreLabels(gctx)
		return nil
	})
	if a.telegram.Enabled() {
		g.Go(func() error { return a.telegram.Run(gctx) })
	}
	if a.cfg.Console.EnabledValue() {
		go a.consoleLoop(gctx)
	}
	if a.timescale != nil {
		g.Go(func() error { return a.timescale.Run(gctx) })
		g.Go(func() error {
			a.snapshotLoop(gctx)
			return nil
		})
	}
	if a.promHTTP != nil {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops Run as if the operator had typed quit.
func (a *App) Shutdown() {
	if a.stop != nil {
		a.stop()
	}
}

func (a *App) onPortfolio(ctx context.Context) {
	d, err := a.hedger.CheckDeltas(ctx)
	if err != nil {
		a.log.Error("delta check failed", zap.Error(err))
		return
	}
	if d.Action != hedge.ActionRehedge || d.Intent == nil {
		return
	}
	decision := timescale.HedgeDecision{
		Time:          time.Now().UTC(),
		Instrument:    d.Intent.Instrument,
		Action:        string(d.Action),
		OptionsDelta:  d.OptionsDelta,
		HedgePosition: d.HedgePosition,
		Band:          d.Band,
		Side:          string(d.Intent.Side),
		Amount:        d.Intent.Amount,
	}
	if d.Intent.Price != nil {
		decision.Price = *d.Intent.Price
	}
	a.timescale.EnqueueDecision(decision)
}

// Report shows exchange rejections and hedge actions on the console and
// queues them for Telegram. It runs on the receive loop and must not block.
func (a *App) Report(ctx context.Context, message string) {
	a.printf("%s\n", message)
	a.telegram.Report(ctx, message)
}

// restoreLabels continues manual label numbering once open orders are known.
func (a *App) restoreLabels(ctx context.Context) {
	if err := a.session.WaitLive(ctx); err != nil {
		return
	}
	labels := a.account.OpenOrderLabels(command.LabelPrefix)
	if err := a.parser.Labels().Restore(ctx, labels); err != nil {
		a.log.Warn("label restore failed", zap.Error(err))
		return
	}
	a.log.Info("manual labels restored", zap.Int("open_labels", len(labels)), zap.String("next", a.parser.Labels().Peek()))
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.promHTTP)
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
