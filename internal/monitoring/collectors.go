package monitoring

import (
	"golang.org/x/exp/constraints"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/framepulse/power-hint-advisor/internal/hints"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "powerhint"

	LogTopName       string = "monitoring"
	advisorSubsystem string = "advisor"
	sessionSubsystem string = "session"
	traceSubsystem   string = "trace"

	logNameKey string = "name"
)

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

type number interface {
	constraints.Integer | constraints.Float
}

// StatsSource returns a point-in-time advisor snapshot. Collectors hold this
// instead of the advisor itself so a scrape can never dial the power service.
type StatsSource func() hints.AdvisorStats

// newAdvisorCollector is a generic factory of prometheus Collectors for metrics
// derived from the advisor stats snapshot.
// source provides the snapshot and readFunc picks one value out of it.
// log is a Logger that should have all Names, KeysValues and other... already attached.
// return prometheus Collector that is ready for registration
func newAdvisorCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	source StatsSource, readFunc func(hints.AdvisorStats) T, log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		nil,
		nil,
	)
	log.V(4).Info("New advisor prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting metrics for prometheus")
			ch <- prom.MustNewConstMetric(desc, metricType, float64(readFunc(source())))
		},
	}
}

// newValueCollector is a generic factory of prometheus Collectors for metrics
// read straight from a value function.
// log is a Logger that should have all Names, KeysValues and other... already attached.
// return prometheus Collector that is ready for registration
func newValueCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	readFunc func() T, log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		nil,
		nil,
	)
	log.V(4).Info("New value prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting metrics for prometheus")
			ch <- prom.MustNewConstMetric(desc, metricType, float64(readFunc()))
		},
	}
}

func boolValue(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
