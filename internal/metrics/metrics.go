package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan results are labeled with the accepted status or the rejection reason,
// so dashboards can split "present"/"late" from "out_of_range" and friends.
var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_scans_total",
		Help: "Scan attempts by outcome.",
	}, []string{"result"})

	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_opened_total",
		Help: "Attendance sessions created.",
	})

	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_closed_total",
		Help: "Attendance sessions closed early by an instructor.",
	})
)
