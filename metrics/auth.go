package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricAuthentication = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wren_authentication_total",
		Help: "Authentication attempts and results.",
	},
	[]string{
		"kind",    // imap
		"variant", // login, plain, or error for an unsupported mechanism
		// error: any failure, including bad user/password and i/o errors.
		// aborted: client aborted the authentication exchange.
		// ok: authentication succeeded.
		"result",
	},
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}
