// Package metrics has prometheus metrics shared between packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wren_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is a package for use with PanicInc.
type Panic string

const (
	Imapserver Panic = "imapserver"
	Store      Panic = "store"
)

func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
