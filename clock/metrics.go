package clock

import "github.com/prometheus/client_golang/prometheus"

var timeJumpBackCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "yugabyte",
		Subsystem: "clock",
		Name:      "time_jump_back_total",
		Help:      "Counter of system time jumps backward.",
	})

func init() {
	prometheus.MustRegister(timeJumpBackCounter)
}
