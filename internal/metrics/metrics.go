package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectAttempts counts connect attempts by result (redirected, aborted).
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaa_connect_attempts_total",
			Help: "The total number of Epic connect attempts.",
		},
		[]string{"result"},
	)

	// CallbackOutcomes counts terminal callback outcomes by failure kind,
	// or "connected" on success.
	CallbackOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaa_callback_outcomes_total",
			Help: "The total number of Epic callback outcomes.",
		},
		[]string{"kind"},
	)

	// ExchangeDuration is a histogram of relay exchange round trips.
	ExchangeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sagaa_exchange_duration_seconds",
			Help:    "A histogram of token-exchange relay call durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	// RelayExchanges counts exchanges performed by the relay against Epic.
	RelayExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaa_relay_exchanges_total",
			Help: "The total number of code exchanges performed by the relay.",
		},
		[]string{"result"},
	)

	// TokenRefreshes counts background refreshes of stored Epic tokens.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaa_token_refreshes_total",
			Help: "The total number of stored token refresh attempts.",
		},
		[]string{"result"},
	)

	// HTTPRequests counts served requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaa_http_requests_total",
			Help: "The total number of HTTP requests served.",
		},
		[]string{"route", "code"},
	)
)
