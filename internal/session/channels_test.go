package session

import (
	"reflect"
	"testing"

	"deribit-hedger/internal/deribit/rpc"
)

func TestBuildSubscriptionsLayout(t *testing.T) {
	options := []string{"BTC-25DEC-50000-C", "BTC-25DEC-50000-P", "BTC-25DEC-60000-C"}
	futures := []string{"BTC-PERPETUAL", "BTC-27DEC24"}
	subs := buildSubscriptions(options, futures, "BTC")
	if len(subs) != 6 {
		t.Fatalf("expected 6 batches, got %d", len(subs))
	}
	if !reflect.DeepEqual(subs[0].Channels, []string{"book.BTC-25DEC-50000-C.raw", "book.BTC-25DEC-50000-P.raw"}) {
		t.Fatalf("unexpected first book half: %v", subs[0].Channels)
	}
	if !reflect.DeepEqual(subs[1].Channels, []string{"book.BTC-25DEC-60000-C.raw"}) {
		t.Fatalf("unexpected second book half: %v", subs[1].Channels)
	}
	if subs[2].Channels[0] != "ticker.BTC-25DEC-50000-C.raw" || len(subs[3].Channels) != 1 {
		t.Fatalf("unexpected ticker batches: %v %v", subs[2].Channels, subs[3].Channels)
	}
	if !reflect.DeepEqual(subs[4].Channels, []string{"book.BTC-PERPETUAL.none.1.100ms", "book.BTC-27DEC24.none.1.100ms"}) {
		t.Fatalf("unexpected futures batch: %v", subs[4].Channels)
	}
	private := subs[5]
	if private.Method != rpc.MethodPrivateSubscribe {
		t.Fatalf("expected private batch last, got %s", private.Method)
	}
	if !reflect.DeepEqual(private.Channels, []string{"user.orders.any.any.raw", "user.portfolio.btc", "user.trades.any.any.raw"}) {
		t.Fatalf("unexpected private channels: %v", private.Channels)
	}
	counts := countAcks(subs)
	if counts[rpc.MethodPublicSubscribe] != 5 || counts[rpc.MethodPrivateSubscribe] != 1 {
		t.Fatalf("unexpected ack counts: %v", counts)
	}
}

func TestBuildSubscriptionsWithoutOptions(t *testing.T) {
	subs := buildSubscriptions(nil, []string{"BTC-PERPETUAL"}, "BTC")
	counts := countAcks(subs)
	if counts[rpc.MethodPublicSubscribe] != 1 || counts[rpc.MethodPrivateSubscribe] != 1 {
		t.Fatalf("unexpected ack counts: %v", counts)
	}
}
