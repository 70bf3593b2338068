package perf

import (
	"expvar"
	"net/http"
	"strings"

	"github.com/encodeous/metric"
)

var (
	IterationLatency = metric.NewHistogram("1m1s")
	FibBuildLatency  = metric.NewHistogram("1m1s")
	TraceLatency     = metric.NewHistogram("1m1s")
	MainRibRoutes    = metric.NewHistogram("1m1s")
	Iterations       = metric.NewCounter("1m1s")
	Oscillations     = metric.NewCounter("1m1s")
	FlowsTraced      = metric.NewCounter("1m1s")
)

const prefix = "loom:"

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish(prefix+"IterationLatency (µs)", IterationLatency)
	expvar.Publish(prefix+"FibBuildLatency (µs)", FibBuildLatency)
	expvar.Publish(prefix+"TraceLatency (µs)", TraceLatency)
	expvar.Publish(prefix+"MainRibRoutes", MainRibRoutes)
	expvar.Publish(prefix+"Iterations", Iterations)
	expvar.Publish(prefix+"Oscillations", Oscillations)
	expvar.Publish(prefix+"FlowsTraced", FlowsTraced)
}

// Snapshot renders every published loom variable as name -> JSON value.
func Snapshot() map[string]string {
	out := make(map[string]string)
	expvar.Do(func(kv expvar.KeyValue) {
		if strings.HasPrefix(kv.Key, prefix) {
			out[strings.TrimPrefix(kv.Key, prefix)] = kv.Value.String()
		}
	})
	return out
}
