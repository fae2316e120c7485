package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersSent         Counter
	OrdersFailed       Counter
	OrdersRejected     Counter
	HedgesPlaced       Counter
	PricingFailures    Counter
	Reconnects         Counter
	AuthFailures       Counter
	UnroutableMessages Counter
	BookGaps           Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersSent:         n,
		OrdersFailed:       n,
		OrdersRejected:     n,
		HedgesPlaced:       n,
		PricingFailures:    n,
		Reconnects:         n,
		AuthFailures:       n,
		UnroutableMessages: n,
		BookGaps:           n,
	}
}
