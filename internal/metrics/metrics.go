package metrics

import "expvar"

var (
	TicksIngested    = expvar.NewInt("ticks_ingested")
	TicksRejected    = expvar.NewInt("ticks_rejected")
	SignalsCreated   = expvar.NewInt("signals_created")
	SignalsDropped   = expvar.NewInt("signals_dropped")
	SignalsPersisted = expvar.NewInt("signals_persisted")
	FlushRuns        = expvar.NewInt("flush_runs")
	FlushErrors      = expvar.NewInt("flush_errors")
)
