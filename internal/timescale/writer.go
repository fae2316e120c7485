// Package timescale persists option top-of-book snapshots and hedge
// decisions to Postgres, using hypertables when TimescaleDB is installed.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"deribit-hedger/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// OptionBBO is one option's best bid/ask at a snapshot instant. Bid and ask
// are quoted in underlying units; the USD columns use the underlying mid.
type OptionBBO struct {
	Time         time.Time
	Instrument   string
	Underlying   float64
	Expiration   time.Time
	TTMYears     float64
	Strike       float64
	Type         string
	OpenInterest float64
	Bid          float64
	BidUSD       float64
	BidSize      float64
	BidIV        float64
	Ask          float64
	AskUSD       float64
	AskSize      float64
	AskIV        float64
	HasBid       bool
	HasAsk       bool
}

type HedgeDecision struct {
	Time          time.Time
	Instrument    string
	Action        string
	OptionsDelta  float64
	HedgePosition float64
	Band          float64
	Side          string
	Amount        float64
	Price         float64
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	bbo       chan []OptionBBO
	decisions chan HedgeDecision
	started   atomic.Bool
	dropBBO   atomic.Uint64
	dropHedge atomic.Uint64
}

// New returns nil when timescale is disabled; a nil *Writer is a no-op.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		bbo:       make(chan []OptionBBO, queueSize),
		decisions: make(chan HedgeDecision, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

// Run drains the queues until ctx ends.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		<-ctx.Done()
		return nil
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("timescale writer already running")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case rows := <-w.bbo:
			w.writeBBO(ctx, rows)
		case d := <-w.decisions:
			w.writeDecision(ctx, d)
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// EnqueueBBO queues one snapshot batch; a full queue drops it with a single warning.
func (w *Writer) EnqueueBBO(rows []OptionBBO) {
	if w == nil || len(rows) == 0 {
		return
	}
	select {
	case w.bbo <- rows:
	default:
		if w.dropBBO.Add(1) == 1 {
			w.log.Warn("timescale option_bbo queue full")
		}
	}
}

func (w *Writer) EnqueueDecision(d HedgeDecision) {
	if w == nil {
		return
	}
	select {
	case w.decisions <- d:
	default:
		if w.dropHedge.Add(1) == 1 {
			w.log.Warn("timescale hedge_decisions queue full")
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		underlying DOUBLE PRECISION NOT NULL,
		expiration TIMESTAMPTZ NOT NULL,
		ttm_years DOUBLE PRECISION NOT NULL,
		strike DOUBLE PRECISION NOT NULL,
		typ TEXT NOT NULL,
		oi DOUBLE PRECISION,
		bid DOUBLE PRECISION,
		bid_usd DOUBLE PRECISION,
		bid_size DOUBLE PRECISION,
		bid_iv DOUBLE PRECISION,
		ask DOUBLE PRECISION,
		ask_usd DOUBLE PRECISION,
		ask_size DOUBLE PRECISION,
		ask_iv DOUBLE PRECISION,
		PRIMARY KEY (ts, instrument)
	)`, w.table("option_bbo"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		action TEXT NOT NULL,
		options_delta DOUBLE PRECISION NOT NULL,
		hedge_position DOUBLE PRECISION NOT NULL,
		band DOUBLE PRECISION NOT NULL,
		side TEXT,
		amount DOUBLE PRECISION,
		price DOUBLE PRECISION
	)`, w.table("hedge_decisions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"option_bbo", "hedge_decisions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeBBO(ctx context.Context, rows []OptionBBO) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.log.Warn("timescale begin failed", zap.Error(err))
		return
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, underlying, expiration, ttm_years, strike, typ, oi,
		bid, bid_usd, bid_size, bid_iv, ask, ask_usd, ask_size, ask_iv
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
	)
	ON CONFLICT (ts, instrument) DO NOTHING`, w.table("option_bbo"))
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, query,
			r.Time,
			r.Instrument,
			r.Underlying,
			r.Expiration,
			r.TTMYears,
			r.Strike,
			r.Type,
			r.OpenInterest,
			nullable(r.Bid, r.HasBid),
			nullable(r.BidUSD, r.HasBid),
			nullable(r.BidSize, r.HasBid),
			nullable(r.BidIV, r.HasBid && r.BidIV > 0),
			nullable(r.Ask, r.HasAsk),
			nullable(r.AskUSD, r.HasAsk),
			nullable(r.AskSize, r.HasAsk),
			nullable(r.AskIV, r.HasAsk && r.AskIV > 0),
		); err != nil {
			_ = tx.Rollback()
			w.log.Warn("timescale option_bbo insert failed", zap.Error(err))
			return
		}
	}
	if err := tx.Commit(); err != nil {
		w.log.Warn("timescale option_bbo commit failed", zap.Error(err))
	}
}

func (w *Writer) writeDecision(ctx context.Context, d HedgeDecision) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, action, options_delta, hedge_position, band, side, amount, price
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`, w.table("hedge_decisions"))
	if _, err := w.db.ExecContext(ctx, query,
		d.Time,
		d.Instrument,
		d.Action,
		d.OptionsDelta,
		d.HedgePosition,
		d.Band,
		nullableString(d.Side),
		nullable(d.Amount, d.Side != ""),
		nullable(d.Price, d.Side != ""),
	); err != nil {
		w.log.Warn("timescale hedge decision insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

func nullable(v float64, ok bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: ok}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
