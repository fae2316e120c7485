package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "deribit_hedger"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersSent := newCounter("orders_sent_total", "Total number of order requests sent.")
	ordersFailed := newCounter("orders_failed_total", "Total number of order requests that could not be sent.")
	ordersRejected := newCounter("orders_rejected_total", "Total number of orders rejected by the exchange.")
	hedgesPlaced := newCounter("hedges_placed_total", "Total number of delta hedge orders placed.")
	pricingFailures := newCounter("pricing_failures_total", "Total number of option contracts skipped by the pricing function.")
	reconnects := newCounter("reconnects_total", "Total number of session reconnects after an error.")
	authFailures := newCounter("auth_failures_total", "Total number of failed authentication attempts.")
	unroutable := newCounter("unroutable_messages_total", "Total number of inbound messages that could not be routed.")
	bookGaps := newCounter("book_gaps_total", "Total number of order book change sequence gaps.")

	registry.MustRegister(ordersSent, ordersFailed, ordersRejected, hedgesPlaced, pricingFailures, reconnects, authFailures, unroutable, bookGaps)

	m := &Metrics{
		OrdersSent:         promCounter{ordersSent},
		OrdersFailed:       promCounter{ordersFailed},
		OrdersRejected:     promCounter{ordersRejected},
		HedgesPlaced:       promCounter{hedgesPlaced},
		PricingFailures:    promCounter{pricingFailures},
		Reconnects:         promCounter{reconnects},
		AuthFailures:       promCounter{authFailures},
		UnroutableMessages: promCounter{unroutable},
		BookGaps:           promCounter{bookGaps},
	}
	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
