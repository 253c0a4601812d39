package sweeper

import "expvar"

var (
	metricSweeps       = expvar.NewInt("sweeper_runs_total")
	metricLockSkipped  = expvar.NewInt("sweeper_lock_skipped_total")
	metricDisconnects  = expvar.NewInt("sweeper_disconnects_total")
	metricForfeits     = expvar.NewInt("sweeper_forfeits_total")
	metricTurnTimeouts = expvar.NewInt("sweeper_turn_timeouts_total")
	metricSuperseded   = expvar.NewInt("sweeper_timeouts_superseded_total")
)
