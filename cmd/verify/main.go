// Command verify connects once, waits for the session to go live and prints
// what the hedger would see: instruments, positions, open orders, the hedge
// quote and the aggregate options delta. It never sends orders.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"deribit-hedger/internal/account"
	"deribit-hedger/internal/config"
	"deribit-hedger/internal/hedge"
	"deribit-hedger/internal/logging"
	"deribit-hedger/internal/market"
	"deribit-hedger/internal/session"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultVerifyEnvFile = ".env"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	timeout := flag.Duration("timeout", 45*time.Second, "how long to wait for the session to go live")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	md := market.New()
	acct := account.New()
	sess := session.New(cfg, md, acct, log, nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return sess.Run(gctx) })

	waitErr := sess.WaitLive(ctx)
	if waitErr == nil {
		// Let the first order book pushes land before reading quotes.
		time.Sleep(2 * time.Second)
		report(cfg, md, acct, log)
	}
	sess.Shutdown()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("session stopped with error", zap.Error(err))
	}
	if waitErr != nil {
		st := sess.Status()
		fatal(fmt.Errorf("session not live after %s (state %s, errors %d): %w", *timeout, st.State, st.ErrorCount, waitErr))
	}
}

func report(cfg *config.Config, md *market.MarketData, acct *account.Account, log *zap.Logger) {
	fmt.Printf("instruments: %d options, %d futures\n", len(md.Options()), len(md.Futures()))

	positions := acct.Positions()
	names := make([]string, 0, len(positions))
	for name := range positions {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("positions: %d\n", len(names))
	for _, name := range names {
		p := positions[name]
		fmt.Printf("  %s %s %g @ %g\n", name, p.Direction, float64(p.Size), float64(p.AveragePrice))
	}
	fmt.Printf("open orders: %d\n", len(acct.OpenOrders()))

	q, ok := md.FuturesQuote(cfg.Hedge.Instrument)
	if !ok {
		fmt.Printf("hedge quote: none for %s\n", cfg.Hedge.Instrument)
		return
	}
	fmt.Printf("hedge quote: %s bid %g ask %g\n", cfg.Hedge.Instrument, q.Bid, q.Ask)

	engine := hedge.New(cfg.Hedge, acct, md, nil, log)
	delta, parts, err := engine.OptionsDelta(time.Now().UTC())
	if err != nil {
		fmt.Printf("options delta: %v\n", err)
		return
	}
	for _, c := range parts {
		if c.Err != nil {
			fmt.Printf("  %s size %g: %v\n", c.Instrument, c.Size, c.Err)
			continue
		}
		fmt.Printf("  %s size %g delta %.4f vol %.4f -> %.2f\n", c.Instrument, c.Size, c.Delta, c.Vol, c.Value)
	}
	fmt.Printf("options delta: %.2f\n", delta)
	if pos, ok := acct.Position(cfg.Hedge.Instrument); ok {
		fmt.Printf("hedge position: %g, mismatch %.2f\n", float64(pos.Size), -float64(pos.Size)-delta)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
