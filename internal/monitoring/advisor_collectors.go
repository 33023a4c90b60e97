package monitoring

import (
	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/framepulse/power-hint-advisor/internal/hints"
)

func RegisterAdvisorCollectors(registry prom.Registerer, source StatsSource, logger logr.Logger) {
	advisorLog := logger.WithName(advisorSubsystem)

	registry.MustRegister(
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, advisorSubsystem, "service_connects_total"),
			"Counter of power service connections established",
			prom.CounterValue,
			source,
			func(stats hints.AdvisorStats) uint64 { return stats.ServiceConnects },
			advisorLog.WithValues(logNameKey, "service_connects_total"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, advisorSubsystem, "service_connected"),
			"Gauge of whether a power service connection is currently held",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) float64 { return boolValue(stats.ServiceConnected) },
			advisorLog.WithValues(logNameKey, "service_connected"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, advisorSubsystem, "hints_enabled"),
			"Gauge of whether power hint sessions are enabled",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) float64 { return boolValue(stats.HintsEnabled) },
			advisorLog.WithValues(logNameKey, "hints_enabled"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, advisorSubsystem, "boot_finished"),
			"Gauge of whether boot has finished and hint traffic is unblocked",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) float64 { return boolValue(stats.BootFinished) },
			advisorLog.WithValues(logNameKey, "boot_finished"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, advisorSubsystem, "supports_power_hints"),
			"Gauge of whether the power service supports hint sessions",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) float64 { return boolValue(stats.SupportChecked && stats.SupportsPowerHints) },
			advisorLog.WithValues(logNameKey, "supports_power_hints"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, advisorSubsystem, "expensive_displays"),
			"Gauge of displays currently expected to render expensively",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) int { return stats.ExpensiveDisplays },
			advisorLog.WithValues(logNameKey, "expensive_displays"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, advisorSubsystem, "using_expensive_rendering"),
			"Gauge of whether expensive rendering mode is active on the power service",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) float64 { return boolValue(stats.UsingExpensiveRendering) },
			advisorLog.WithValues(logNameKey, "using_expensive_rendering"),
		),
	)

	sessionLog := logger.WithName(sessionSubsystem)

	registry.MustRegister(
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "reports_sent_total"),
			"Counter of actual work duration batches transmitted",
			prom.CounterValue,
			source,
			func(stats hints.AdvisorStats) uint64 { return stats.Session.ReportsSent },
			sessionLog.WithValues(logNameKey, "reports_sent_total"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "samples_flushed_total"),
			"Counter of individual work duration samples transmitted",
			prom.CounterValue,
			source,
			func(stats hints.AdvisorStats) uint64 { return stats.Session.SamplesFlushed },
			sessionLog.WithValues(logNameKey, "samples_flushed_total"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "samples_suppressed_total"),
			"Counter of work duration samples held back by the rate limit",
			prom.CounterValue,
			source,
			func(stats hints.AdvisorStats) uint64 { return stats.Session.SuppressedSamples },
			sessionLog.WithValues(logNameKey, "samples_suppressed_total"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "stale_flushes_total"),
			"Counter of keep-alive flushes forced by report staleness",
			prom.CounterValue,
			source,
			func(stats hints.AdvisorStats) uint64 { return stats.Session.StaleFlushes },
			sessionLog.WithValues(logNameKey, "stale_flushes_total"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "target_updates_sent_total"),
			"Counter of target work duration updates transmitted",
			prom.CounterValue,
			source,
			func(stats hints.AdvisorStats) uint64 { return stats.Session.TargetUpdatesSent },
			sessionLog.WithValues(logNameKey, "target_updates_sent_total"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "target_updates_suppressed_total"),
			"Counter of target work duration updates held back by the rate limit",
			prom.CounterValue,
			source,
			func(stats hints.AdvisorStats) uint64 { return stats.Session.TargetUpdatesSuppressed },
			sessionLog.WithValues(logNameKey, "target_updates_suppressed_total"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "restarts_total"),
			"Counter of hint session restarts after thread id changes",
			prom.CounterValue,
			source,
			func(stats hints.AdvisorStats) uint64 { return stats.Session.Restarts },
			sessionLog.WithValues(logNameKey, "restarts_total"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "queued_samples"),
			"Gauge of work duration samples waiting for the next flush",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) int { return stats.Session.QueuedSamples },
			sessionLog.WithValues(logNameKey, "queued_samples"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "state"),
			"Gauge of the session state (0 NotStarted, 1 Running, 2 NeedsRestart, 3 Disconnected)",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) int { return int(stats.Session.State) },
			sessionLog.WithValues(logNameKey, "state"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "last_reported_actual_seconds"),
			"Gauge of the last actual work duration the rate limit compared against",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) float64 { return stats.Session.LastReportedActual.Seconds() },
			sessionLog.WithValues(logNameKey, "last_reported_actual_seconds"),
		),
		newAdvisorCollector(
			prom.BuildFQName(promNamespace, sessionSubsystem, "current_target_seconds"),
			"Gauge of the target work duration the controller currently holds",
			prom.GaugeValue,
			source,
			func(stats hints.AdvisorStats) float64 { return stats.Session.CurrentTarget.Seconds() },
			sessionLog.WithValues(logNameKey, "current_target_seconds"),
		),
	)
}
