// Package session owns the authenticated websocket session: bootstrap,
// subscriptions, reply routing and reconnects.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"deribit-hedger/internal/account"
	"deribit-hedger/internal/config"
	"deribit-hedger/internal/deribit/rpc"
	"deribit-hedger/internal/deribit/ws"
	"deribit-hedger/internal/market"
	"deribit-hedger/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected     = errors.New("session not connected")
	ErrForcedReconnect  = errors.New("forced reconnect")
	ErrBootstrapTimeout = errors.New("bootstrap timed out")
	ErrAuthRejected     = errors.New("authentication rejected")
)

// Reporter surfaces exchange rejections to the operator.
type Reporter interface {
	Report(ctx context.Context, message string)
}

type DialFunc func(ctx context.Context, url string, log *zap.Logger) (*ws.Conn, error)

type Option func(*Session)

func WithDialer(dial DialFunc) Option {
	return func(s *Session) { s.dial = dial }
}

func WithBackoff(backoff func(int) time.Duration) Option {
	return func(s *Session) { s.backoff = backoff }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Status is a point-in-time view of the session for operators.
type Status struct {
	State       State
	ErrorCount  int64
	ConnectedAt time.Time
	Requests    int
}

type Session struct {
	cfg     *config.Config
	market  *market.MarketData
	account *account.Account
	log     *zap.Logger
	metrics *metrics.Metrics

	dial    DialFunc
	backoff func(int) time.Duration
	now     func() time.Time

	dailyHour   int
	dailyMinute int

	sm         *StateMachine
	errorCount atomic.Int64
	shutdown   atomic.Bool

	mu          sync.RWMutex
	seg         *segment
	cancelSeg   context.CancelCauseFunc
	stop        context.CancelFunc
	onPortfolio func(ctx context.Context)
	reporter    Reporter
}

func New(cfg *config.Config, md *market.MarketData, acct *account.Account, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	hour, minute, err := config.ParseClock(cfg.Session.DailyReconnect)
	if err != nil {
		hour, minute = 8, 0
	}
	s := &Session{
		cfg:         cfg,
		market:      md,
		account:     acct,
		log:         log,
		metrics:     m,
		dial:        ws.Dial,
		backoff:     Backoff,
		now:         time.Now,
		dailyHour:   hour,
		dailyMinute: minute,
		sm:          NewStateMachine(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnPortfolio registers the hook run inline after each account summary update.
func (s *Session) OnPortfolio(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.onPortfolio = fn
	s.mu.Unlock()
}

func (s *Session) SetReporter(r Reporter) {
	s.mu.Lock()
	s.reporter = r
	s.mu.Unlock()
}

func (s *Session) State() State { return s.sm.Current() }

func (s *Session) ErrorCount() int64 { return s.errorCount.Load() }

func (s *Session) Status() Status {
	s.mu.RLock()
	seg := s.seg
	s.mu.RUnlock()
	st := Status{State: s.sm.Current(), ErrorCount: s.errorCount.Load()}
	if seg != nil {
		st.ConnectedAt = seg.startedAt
		st.Requests = seg.registry.Len()
	}
	return st
}

// WaitLive blocks until the session reaches LIVE or ctx ends.
func (s *Session) WaitLive(ctx context.Context) error {
	for {
		state, changed := s.sm.Watch()
		if state == StateLive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Run keeps a session alive until ctx ends or Shutdown is called.
func (s *Session) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	if s.shutdown.Load() {
		return nil
	}
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.dailyReconnectLoop(gctx)
		return nil
	})
	g.Go(func() error {
		defer stop()
		return s.connectLoop(gctx)
	})
	err := g.Wait()
	if s.shutdown.Load() {
		return nil
	}
	return err
}

// Shutdown sets the one-way shutdown flag and closes the connection.
func (s *Session) Shutdown() {
	s.shutdown.Store(true)
	s.mu.RLock()
	stop := s.stop
	s.mu.RUnlock()
	if stop != nil {
		stop()
	}
}

// ForceReconnect drops the current connection without counting an error.
func (s *Session) ForceReconnect() {
	s.mu.RLock()
	cancel := s.cancelSeg
	s.mu.RUnlock()
	if cancel != nil {
		cancel(ErrForcedReconnect)
	}
}

// Send writes a request on the authenticated connection.
func (s *Session) Send(ctx context.Context, method rpc.Method, params any) (uint64, error) {
	s.mu.RLock()
	seg := s.seg
	s.mu.RUnlock()
	if seg == nil || !seg.authenticated.fired() {
		return 0, ErrNotConnected
	}
	return seg.send(ctx, method, params)
}

func (s *Session) connectLoop(ctx context.Context) error {
	for {
		err := s.runSegment(ctx)
		s.sm.Apply(EventDisconnected)
		if s.shutdown.Load() {
			s.log.Info("session shut down")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var delay time.Duration
		if errors.Is(err, ErrForcedReconnect) {
			delay = s.cfg.Session.ForcedReconnectDelay
			s.log.Info("scheduled reconnect", zap.Duration("delay", delay))
		} else {
			count := s.errorCount.Add(1)
			s.metrics.Reconnects.Inc()
			delay = s.backoff(int(count))
			s.log.Warn("session error, reconnecting",
				zap.Error(err),
				zap.Int64("error_count", count),
				zap.Duration("delay", delay),
			)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if s.shutdown.Load() {
				return nil
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) runSegment(ctx context.Context) error {
	segCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.sm.Apply(EventDial)
	conn, err := s.dial(segCtx, s.cfg.WS.URL, s.log)
	if err != nil {
		return err
	}
	seg := newSegment(conn, s.now())
	s.mu.Lock()
	s.seg = seg
	s.cancelSeg = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.seg == seg {
			s.seg = nil
			s.cancelSeg = nil
		}
		s.mu.Unlock()
		_ = conn.Close("session ended")
	}()
	s.sm.Apply(EventConnected)
	s.log.Info("session connected", zap.String("url", s.cfg.WS.URL))

	g, gctx := errgroup.WithContext(segCtx)
	g.Go(func() error {
		return conn.ReadLoop(gctx, func(data []byte) {
			s.handleMessage(gctx, seg, data)
		})
	})
	g.Go(func() error {
		return conn.PingLoop(gctx, s.cfg.WS.PingInterval, s.cfg.WS.PongTimeout, func() {
			s.onPong(seg)
		})
	})
	g.Go(func() error {
		return s.bootstrap(gctx, seg)
	})
	err = g.Wait()
	if errors.Is(context.Cause(segCtx), ErrForcedReconnect) {
		return ErrForcedReconnect
	}
	return err
}

func (s *Session) onPong(seg *segment) {
	if s.now().Sub(seg.startedAt) <= s.cfg.Session.HealthyAfter {
		return
	}
	if prev := s.errorCount.Swap(0); prev != 0 {
		s.log.Info("connection healthy, error counter reset", zap.Int64("previous", prev))
	}
}

func (s *Session) bootstrap(ctx context.Context, seg *segment) error {
	params := rpc.NewAuthParams(s.cfg.Exchange.ClientID, s.cfg.Exchange.ClientSecret, s.now())
	if _, err := seg.send(ctx, rpc.MethodAuth, params); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := s.await(ctx, seg, seg.authenticated.Done(), "authentication"); err != nil {
		return err
	}
	s.sm.Apply(EventAuthenticated)

	// Account snapshots replace orders and positions wholesale. Market data
	// is kept; book snapshots and quote pushes supersede it once subscribed.
	s.account.Reset()
	currency := s.cfg.Exchange.Currency
	kinds := s.cfg.Exchange.Kinds
	seg.initialState.arm(map[rpc.Method]int{
		rpc.MethodGetOpenOrders:  len(kinds),
		rpc.MethodGetPositions:   len(kinds),
		rpc.MethodGetInstruments: 1,
	})
	for _, kind := range kinds {
		query := map[string]any{"currency": currency, "kind": kind}
		if _, err := seg.send(ctx, rpc.MethodGetOpenOrders, query); err != nil {
			return fmt.Errorf("send open orders: %w", err)
		}
		if _, err := seg.send(ctx, rpc.MethodGetPositions, query); err != nil {
			return fmt.Errorf("send positions: %w", err)
		}
	}
	if _, err := seg.send(ctx, rpc.MethodGetInstruments, map[string]any{"currency": currency, "expired": false}); err != nil {
		return fmt.Errorf("send instruments: %w", err)
	}
	if err := s.await(ctx, seg, seg.initialState.Done(), "initial state"); err != nil {
		return err
	}
	s.sm.Apply(EventInitialStateReady)

	subs := buildSubscriptions(s.market.Options(), s.market.Futures(), currency)
	seg.subscriptions.arm(countAcks(subs))
	limiter := rate.NewLimiter(rate.Every(s.cfg.Session.SubscribePacing), 1)
	for _, sub := range subs {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := seg.send(ctx, sub.Method, subscribeParams{Channels: sub.Channels}); err != nil {
			return fmt.Errorf("send %s: %w", sub.Method, err)
		}
	}
	if err := s.await(ctx, seg, seg.subscriptions.Done(), "subscriptions"); err != nil {
		return err
	}
	s.sm.Apply(EventSubscribed)
	s.log.Info("session live",
		zap.Int("instruments", len(s.market.Instruments())),
		zap.Int("subscription_batches", len(subs)),
		zap.Int("open_orders", len(s.account.OpenOrders())),
		zap.Int("positions", len(s.account.Positions())),
	)
	return nil
}

func (s *Session) await(ctx context.Context, seg *segment, done <-chan struct{}, stage string) error {
	timer := time.NewTimer(s.cfg.Session.BootstrapTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-seg.failed.Done():
		return fmt.Errorf("%s: %w", stage, seg.failure())
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrBootstrapTimeout, stage)
	}
}

func (s *Session) dailyReconnectLoop(ctx context.Context) {
	for {
		next := nextDailyReconnect(s.now(), s.dailyHour, s.dailyMinute)
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.log.Info("daily reconnect")
			s.ForceReconnect()
		}
	}
}

func (s *Session) report(ctx context.Context, message string) {
	s.mu.RLock()
	r := s.reporter
	s.mu.RUnlock()
	if r != nil {
		r.Report(ctx, message)
	}
}
