package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"deribit-hedger/internal/account"
	"deribit-hedger/internal/deribit/rpc"
	"deribit-hedger/internal/instrument"
	"deribit-hedger/internal/market"

	"go.uber.org/zap"
)

func (s *Session) handleMessage(ctx context.Context, seg *segment, data []byte) {
	msg, err := rpc.Decode(data)
	if err != nil {
		s.unroutable("malformed message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	switch {
	case msg.IsReply():
		s.handleReply(ctx, seg, msg)
	case msg.IsSubscription():
		s.handleNotification(ctx, seg, msg.Params)
	default:
		s.unroutable("message without id or subscription", zap.String("method", msg.Method))
	}
}

func (s *Session) unroutable(reason string, fields ...zap.Field) {
	s.metrics.UnroutableMessages.Inc()
	s.log.Warn(reason, fields...)
}

func (s *Session) handleReply(ctx context.Context, seg *segment, msg rpc.Message) {
	id := *msg.ID
	method, ok := seg.registry.Lookup(id)
	if !ok {
		s.unroutable("reply for unknown request", zap.Uint64("id", id))
		return
	}
	if msg.Error != nil {
		s.handleErrorReply(ctx, seg, method, id, msg.Error)
		return
	}
	switch method {
	case rpc.MethodAuth:
		var res rpc.AuthResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			s.metrics.AuthFailures.Inc()
			seg.fail(fmt.Errorf("decode auth result: %w", err))
			return
		}
		if !res.IsBearer() {
			s.metrics.AuthFailures.Inc()
			seg.fail(fmt.Errorf("%w: token type %q", ErrAuthRejected, res.TokenType))
			return
		}
		s.log.Info("authenticated", zap.Int64("expires_in", res.ExpiresIn))
		seg.authenticated.fire()
	case rpc.MethodGetInstruments:
		var infos []market.InstrumentInfo
		if err := json.Unmarshal(msg.Result, &infos); err != nil {
			seg.fail(fmt.Errorf("decode instruments: %w", err))
			return
		}
		names := make([]string, 0, len(infos))
		for _, info := range infos {
			names = append(names, info.Name)
		}
		options, futures := instrument.Split(names)
		s.market.SetInstruments(append(options, futures...))
		s.log.Info("instrument universe loaded",
			zap.Int("options", len(options)),
			zap.Int("futures", len(futures)),
		)
		seg.initialState.resolve(method)
	case rpc.MethodGetPositions:
		var positions []account.Position
		if err := json.Unmarshal(msg.Result, &positions); err != nil {
			seg.fail(fmt.Errorf("decode positions: %w", err))
			return
		}
		s.account.ApplyPositionsSnapshot(positions)
		seg.initialState.resolve(method)
	case rpc.MethodGetOpenOrders:
		var orders []account.Order
		if err := json.Unmarshal(msg.Result, &orders); err != nil {
			seg.fail(fmt.Errorf("decode open orders: %w", err))
			return
		}
		s.account.ApplyOpenOrdersSnapshot(orders)
		seg.initialState.resolve(method)
	case rpc.MethodGetPosition:
		var position account.Position
		if err := json.Unmarshal(msg.Result, &position); err != nil {
			s.log.Error("decode position", zap.Error(err))
			return
		}
		s.account.ApplyPositionsSnapshot([]account.Position{position})
	case rpc.MethodPublicSubscribe, rpc.MethodPrivateSubscribe:
		var channels []string
		_ = json.Unmarshal(msg.Result, &channels)
		s.log.Debug("subscription acknowledged",
			zap.String("method", string(method)),
			zap.Int("channels", len(channels)),
		)
		seg.subscriptions.resolve(method)
	case rpc.MethodBuy, rpc.MethodSell:
		s.log.Debug("order accepted", zap.String("method", string(method)), zap.Uint64("id", id))
	case rpc.MethodCancelAll:
		cleared := s.account.ClearOpenOrders()
		s.log.Info("cancel all confirmed", zap.Int("cleared", cleared))
	case rpc.MethodCancelByLabel:
		s.log.Info("cancel by label confirmed", zap.ByteString("result", msg.Result))
	default:
		s.unroutable("reply for unhandled method", zap.String("method", string(method)))
	}
}

func (s *Session) handleErrorReply(ctx context.Context, seg *segment, method rpc.Method, id uint64, rpcErr *rpc.Error) {
	switch method {
	case rpc.MethodAuth:
		s.metrics.AuthFailures.Inc()
		seg.fail(fmt.Errorf("%w: %v", ErrAuthRejected, rpcErr))
	case rpc.MethodGetInstruments, rpc.MethodGetPositions, rpc.MethodGetOpenOrders,
		rpc.MethodPublicSubscribe, rpc.MethodPrivateSubscribe:
		seg.fail(fmt.Errorf("%s: %w", method, rpcErr))
	case rpc.MethodBuy, rpc.MethodSell, rpc.MethodCancelAll, rpc.MethodCancelByLabel:
		s.metrics.OrdersRejected.Inc()
		s.log.Warn("exchange rejected request",
			zap.String("method", string(method)),
			zap.Uint64("id", id),
			zap.Error(rpcErr),
		)
		s.report(ctx, fmt.Sprintf("%s rejected: %s", method, rpcErr.Message))
	default:
		s.log.Warn("error reply",
			zap.String("method", string(method)),
			zap.Uint64("id", id),
			zap.Error(rpcErr),
		)
	}
}

func (s *Session) handleNotification(ctx context.Context, seg *segment, n *rpc.Notification) {
	channel := n.Channel
	currency := s.cfg.Exchange.Currency
	switch {
	case strings.HasSuffix(channel, futuresBookSuffix):
		var update market.GroupedBook
		if err := json.Unmarshal(n.Data, &update); err != nil {
			s.unroutable("malformed futures book", zap.String("channel", channel), zap.Error(err))
			return
		}
		s.market.ApplyGroupedBook(update)
	case strings.HasPrefix(channel, "book."+currency+"-"):
		var update market.BookUpdate
		if err := json.Unmarshal(n.Data, &update); err != nil {
			s.unroutable("malformed book update", zap.String("channel", channel), zap.Error(err))
			return
		}
		if err := s.market.ApplyBookChange(update); err != nil {
			if errors.Is(err, market.ErrSequenceGap) {
				s.metrics.BookGaps.Inc()
				s.log.Warn("book sequence gap", zap.Error(err))
				return
			}
			s.log.Error("book update rejected", zap.Error(err))
		}
	case strings.HasPrefix(channel, "ticker."+currency+"-"):
		var ticker market.Ticker
		if err := json.Unmarshal(n.Data, &ticker); err != nil {
			s.unroutable("malformed ticker", zap.String("channel", channel), zap.Error(err))
			return
		}
		s.market.ApplyOpenInterest(ticker.Instrument, float64(ticker.OpenInterest))
	case channel == chanOrders:
		orders, err := decodeOrders(n.Data)
		if err != nil {
			s.unroutable("malformed order update", zap.Error(err))
			return
		}
		for _, o := range orders {
			if s.account.ApplyOrderEvent(o) == account.OrderRejectedOutcome {
				s.metrics.OrdersRejected.Inc()
				s.log.Warn("order rejected",
					zap.String("order_id", o.OrderID),
					zap.String("instrument", o.Instrument),
					zap.String("reason", o.RejectReason),
				)
				s.report(ctx, fmt.Sprintf("order %s on %s rejected: %s", o.OrderID, o.Instrument, o.RejectReason))
			}
		}
	case channel == portfolioChannel(currency):
		var m account.Metrics
		if err := json.Unmarshal(n.Data, &m); err != nil {
			s.unroutable("malformed portfolio", zap.Error(err))
			return
		}
		s.account.ApplyAccountMetrics(m)
		s.mu.RLock()
		hook := s.onPortfolio
		s.mu.RUnlock()
		if hook != nil {
			hook(ctx)
		}
	case channel == chanTrades:
		var trades []account.Trade
		if err := json.Unmarshal(n.Data, &trades); err != nil {
			s.unroutable("malformed trades", zap.Error(err))
			return
		}
		for _, name := range s.account.ApplyTradeConfirmations(trades) {
			if _, err := seg.send(ctx, rpc.MethodGetPosition, map[string]any{"instrument_name": name}); err != nil {
				s.log.Warn("position refresh failed", zap.String("instrument", name), zap.Error(err))
			}
		}
	default:
		s.unroutable("unroutable subscription", zap.String("channel", channel))
	}
}

// decodeOrders accepts a single order or a batch.
func decodeOrders(data json.RawMessage) ([]account.Order, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var orders []account.Order
		err := json.Unmarshal(data, &orders)
		return orders, err
	}
	var o account.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return []account.Order{o}, nil
}
