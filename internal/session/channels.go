package session

import (
	"strings"

	"deribit-hedger/internal/deribit/rpc"
)

const (
	futuresBookSuffix   = ".none.1.100ms"
	chanOrders          = "user.orders.any.any.raw"
	chanTrades          = "user.trades.any.any.raw"
	chanPortfolioPrefix = "user.portfolio."
)

type subscribeParams struct {
	Channels []string `json:"channels"`
}

type subscription struct {
	Method   rpc.Method
	Channels []string
}

func portfolioChannel(currency string) string {
	return chanPortfolioPrefix + strings.ToLower(currency)
}

// buildSubscriptions lays out the subscription batches: option raw books and
// tickers each split in two halves, one batch of futures top-of-book, then
// the private account channels. Empty batches are dropped.
func buildSubscriptions(options, futures []string, currency string) []subscription {
	mid := (len(options) + 1) / 2
	halves := [][]string{options[:mid], options[mid:]}
	var out []subscription
	for _, prefix := range []string{"book.", "ticker."} {
		for _, half := range halves {
			if len(half) == 0 {
				continue
			}
			channels := make([]string, 0, len(half))
			for _, name := range half {
				channels = append(channels, prefix+name+".raw")
			}
			out = append(out, subscription{Method: rpc.MethodPublicSubscribe, Channels: channels})
		}
	}
	if len(futures) > 0 {
		channels := make([]string, 0, len(futures))
		for _, name := range futures {
			channels = append(channels, "book."+name+futuresBookSuffix)
		}
		out = append(out, subscription{Method: rpc.MethodPublicSubscribe, Channels: channels})
	}
	out = append(out, subscription{
		Method:   rpc.MethodPrivateSubscribe,
		Channels: []string{chanOrders, portfolioChannel(currency), chanTrades},
	})
	return out
}

func countAcks(subs []subscription) map[rpc.Method]int {
	counts := make(map[rpc.Method]int)
	for _, s := range subs {
		counts[s.Method]++
	}
	return counts
}
