package httptransport

import "expvar"

var (
	metricRoomUpdateTotal     = expvar.NewInt("room_update_total")
	metricRoomUpdateConflicts = expvar.NewInt("room_update_conflicts_total")
	metricRoomUpdateErrors    = expvar.NewInt("room_update_errors_total")

	metricActionAppendTotal  = expvar.NewInt("action_append_total")
	metricActionAppendErrors = expvar.NewInt("action_append_errors_total")
	metricActionListTotal    = expvar.NewInt("action_list_total")

	metricMatchmakingTotal  = expvar.NewInt("matchmaking_total")
	metricMatchmakingErrors = expvar.NewInt("matchmaking_errors_total")
)
