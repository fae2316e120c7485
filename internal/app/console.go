package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"deribit-hedger/internal/command"
	"deribit-hedger/internal/hedge"

	"go.uber.org/zap"
)

const auditKeyPrefix = "ops:audit:"

type consoleAuditEvent struct {
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	ActiveBefore bool      `json:"active_before"`
	ActiveAfter  bool      `json:"active_after"`
	Instrument   string    `json:"instrument,omitempty"`
	Multiplier   float64   `json:"multiplier,omitempty"`
}

var errQuit = errors.New("quit")

func (a *App) consoleLoop(ctx context.Context) {
	scanner := bufio.NewScanner(a.in)
	a.printf("%s :~$ ", a.parser.Instrument())
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			resp, err := a.handleConsoleLine(ctx, line)
			switch {
			case errors.Is(err, errQuit):
				a.printf("shutting down\n")
				a.Shutdown()
				return
			case err != nil:
				a.printf("%v\n", err)
			case resp != "":
				a.printf("%s\n", resp)
			}
		}
		a.printf("%s :~$ ", a.parser.Instrument())
	}
	if err := scanner.Err(); err != nil {
		a.log.Warn("console input failed", zap.Error(err))
	}
}

func (a *App) handleConsoleLine(ctx context.Context, line string) (string, error) {
	switch line {
	case "quit", "shutdown":
		return "", errQuit
	case "help":
		return consoleHelpText(), nil
	case "funds":
		return a.fundsTable(), nil
	case "orders":
		return a.ordersTable(), nil
	case "positions":
		return a.positionsTable(), nil
	case "books":
		return a.booksTable(), nil
	case "activate delta hedging":
		return a.toggleHedging(ctx, line, true)
	case "deactivate delta hedging":
		return a.toggleHedging(ctx, line, false)
	case "delta hedging status":
		return a.hedgingStatus(ctx), nil
	case "connection status":
		st := a.session.Status()
		connected := "n/a"
		if !st.ConnectedAt.IsZero() {
			connected = st.ConnectedAt.UTC().Format(time.RFC3339)
		}
		return fmt.Sprintf("state: %s\nerror_count: %d\nconnected_at: %s\nrequests: %d",
			st.State, st.ErrorCount, connected, st.Requests), nil
	case "show size multiplier":
		return strconv.FormatFloat(a.parser.Multiplier(), 'f', -1, 64), nil
	}
	if name, ok := strings.CutPrefix(line, "instrument "); ok {
		return a.setInstrument(ctx, line, strings.TrimSpace(name))
	}
	if value, ok := strings.CutPrefix(line, "multiplier "); ok {
		return a.setMultiplier(ctx, line, strings.TrimSpace(value))
	}
	return a.trade(ctx, line)
}

func (a *App) trade(ctx context.Context, line string) (string, error) {
	action, err := a.parser.Parse(ctx, line)
	if err != nil {
		return "", err
	}
	switch action.Kind {
	case command.KindCancelAll:
		if _, err := a.executor.CancelAll(ctx); err != nil {
			return "", err
		}
		return "cancel all sent", nil
	case command.KindCancelLabel:
		if _, err := a.executor.CancelByLabel(ctx, action.Label, a.cfg.Exchange.Currency); err != nil {
			return "", err
		}
		return "cancel sent for " + action.Label, nil
	}
	ids, err := a.executor.SubmitAll(ctx, action.Intents)
	if err != nil {
		return "", fmt.Errorf("sent %d of %d orders: %w", len(ids), len(action.Intents), err)
	}
	lines := make([]string, 0, len(action.Intents))
	for _, intent := range action.Intents {
		lines = append(lines, "sent "+intent.String())
	}
	return strings.Join(lines, "\n"), nil
}

func (a *App) toggleHedging(ctx context.Context, line string, active bool) (string, error) {
	before := a.hedger.Active()
	a.hedger.SetActive(ctx, active)
	action := "hedge_deactivate"
	if active {
		action = "hedge_activate"
	}
	a.audit(ctx, consoleAuditEvent{
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      line,
		ActiveBefore: before,
		ActiveAfter:  a.hedger.Active(),
	})
	if !active {
		return "delta hedging deactivated", nil
	}
	d, err := a.hedger.CheckDeltas(ctx)
	if err != nil {
		return "delta hedging activated; initial check failed: " + err.Error(), nil
	}
	return fmt.Sprintf("delta hedging activated; initial check: %s", d.Action), nil
}

func (a *App) hedgingStatus(ctx context.Context) string {
	st := a.hedger.Status()
	lines := []string{
		fmt.Sprintf("delta hedging active: %t", st.Active),
		fmt.Sprintf("hedge instrument: %s", st.Instrument),
	}
	if !st.LastCheck.IsZero() {
		d := st.LastDecision
		lines = append(lines,
			fmt.Sprintf("last check: %s (%s)", st.LastCheck.UTC().Format(time.RFC3339), d.Action),
			fmt.Sprintf("options delta: %.2f, hedge position: %.2f, band: %.2f", d.OptionsDelta, d.HedgePosition, d.Band),
		)
	}
	rec, ok, err := a.executor.LastSent(ctx, a.cfg.Hedge.Label)
	switch {
	case err != nil:
		lines = append(lines, "last hedge order: unavailable ("+err.Error()+")")
	case ok:
		lines = append(lines, fmt.Sprintf("last hedge order: %s %g %s request %d at %s",
			rec.Method, rec.Params.Amount, rec.Params.Instrument, rec.RequestID, rec.SentAt.UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n")
}

func (a *App) setInstrument(ctx context.Context, line, name string) (string, error) {
	futures := a.market.Futures()
	known := false
	for _, f := range futures {
		if f == name {
			known = true
			break
		}
	}
	if !known {
		return "", fmt.Errorf("unknown futures instrument %q, choose one of: %s", name, strings.Join(futures, ", "))
	}
	a.parser.SetInstrument(name)
	a.audit(ctx, consoleAuditEvent{Time: time.Now().UTC(), Action: "instrument", Command: line, Instrument: name})
	return "instrument set to " + name, nil
}

func (a *App) setMultiplier(ctx context.Context, line, value string) (string, error) {
	m, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return "", fmt.Errorf("%w: multiplier must be numeric", command.ErrInvalidInput)
	}
	if err := a.parser.SetMultiplier(m); err != nil {
		return "", err
	}
	a.audit(ctx, consoleAuditEvent{Time: time.Now().UTC(), Action: "multiplier", Command: line, Multiplier: m})
	return "size multiplier set to " + value, nil
}

func (a *App) fundsTable() string {
	m, ok := a.account.Metrics()
	if !ok {
		return "No account data yet."
	}
	var price float64
	if q, ok := a.market.FuturesQuote(a.parser.Instrument()); ok {
		price = q.Bid
	}
	rows := []struct {
		name  string
		value float64
	}{
		{"available_funds", float64(m.AvailableFunds)},
		{"balance", float64(m.Balance)},
		{"delta_total", float64(m.DeltaTotal)},
		{"initial_margin", float64(m.InitialMargin)},
		{"maintenance_margin", float64(m.MaintenanceMargin)},
		{"margin_balance", float64(m.MarginBalance)},
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "item\tbalance_%s\tbalance_usd\n", strings.ToLower(a.cfg.Exchange.Currency))
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%.6f\t$%.2f\n", r.name, r.value, r.value*price)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) ordersTable() string {
	orders := a.account.OpenOrders()
	if len(orders) == 0 {
		return "No open orders at this moment."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "instrument\tid\tdirection\tamount\tfilled\tprice\ttype\tpost_only\treduce_only\tlabel")
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\t%g\t%s\t%t\t%t\t%s\n",
			o.Instrument, o.OrderID, o.Direction, float64(o.Amount), float64(o.FilledAmount),
			float64(o.Price), o.OrderType, o.PostOnly, o.ReduceOnly, o.Label)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) positionsTable() string {
	positions := a.account.Positions()
	if len(positions) == 0 {
		return "No open positions at this moment."
	}
	names := make([]string, 0, len(positions))
	for name := range positions {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "instrument\tdirection\taverage_price\tsize\ttotal_pnl")
	for _, name := range names {
		p := positions[name]
		fmt.Fprintf(w, "%s\t%s\t%g\t%g\t%.5f\n", name, p.Direction, float64(p.AveragePrice), float64(p.Size), float64(p.TotalPnL))
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) booksTable() string {
	books := a.market.Books()
	if len(books) == 0 {
		return "No option books yet."
	}
	names := make([]string, 0, len(books))
	for name := range books {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "instrument\tbid_size\tbid\task\task_size\toi")
	for _, name := range names {
		top := books[name].Best()
		oi, _ := a.market.OpenInterest(name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%g\n", name,
			level(top.BidSize, top.HasBid), level(top.Bid, top.HasBid),
			level(top.Ask, top.HasAsk), level(top.AskSize, top.HasAsk), oi)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func level(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (a *App) audit(ctx context.Context, event consoleAuditEvent) {
	if a.store == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s%d", auditKeyPrefix, event.Time.UnixNano())
	if err := a.store.Set(ctx, key, string(payload)); err != nil {
		a.log.Warn("audit write failed", zap.Error(err))
	}
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func consoleHelpText() string {
	return strings.Join([]string{
		"TRADING",
		"Begin with 'a' to buy or 'd' to sell.",
		"Optional second letter: 'w' prices at the ask, 's' at the bid.",
		"Then the amount (at most 10000, times the size multiplier).",
		"  a200                 market_limit buy 200 capped 0.1% through the ask",
		"  dw200                post-only limit sell 200 at the ask",
		"  as100 16000          post-only limit buy 100 at 16000",
		"  dw200 18000s         reduce-only stop market sell at 18000 (mark price)",
		"  a100 16000 18000 10  10 post-only limit buys of 100 between the bounds",
		"  ca                   cancel all",
		"  cc                   cancel the most recent manual label",
		"",
		"OTHER COMMANDS",
		"funds, orders, positions, books",
		"activate delta hedging, deactivate delta hedging, delta hedging status",
		"connection status, instrument <name>, multiplier <n>, show size multiplier",
		"quit",
	}, "\n")
}

var _ hedge.Reporter = (*App)(nil)
