package monitoring

import (
	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/framepulse/power-hint-advisor/internal/trace"
)

func RegisterTraceCollectors(registry prom.Registerer, store *trace.Store, logger logr.Logger) {
	logger = logger.WithName(traceSubsystem)

	registry.MustRegister(
		newValueCollector(
			prom.BuildFQName(promNamespace, traceSubsystem, "dropped_records_total"),
			"Counter of trace records dropped because the writer fell behind",
			prom.CounterValue,
			store.Dropped,
			logger.WithValues(logNameKey, "dropped_records_total"),
		),
	)
}
