package obs

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the zerowire process. When no MeterProvider is
// configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("zerowire")

	MetricPeersInstalled  metric.Int64UpDownCounter
	MetricPeersRejected   metric.Int64Counter
	MetricDiscoveryCrawls metric.Int64Counter
	MetricHandlersRun     metric.Int64Counter
	MetricHandlerFailures metric.Int64Counter
	MetricDNSQueries      metric.Int64Counter
)

func init() {
	var err error

	MetricPeersInstalled, err = meter.Int64UpDownCounter("zerowire.peers.installed",
		metric.WithDescription("Peers currently installed into WireGuard"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		panic("obs meter: " + err.Error())
	}

	MetricPeersRejected, err = meter.Int64Counter("zerowire.peers.rejected",
		metric.WithDescription("Candidate mDNS advertisements rejected by the peer acceptance pipeline"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		panic("obs meter: " + err.Error())
	}

	MetricDiscoveryCrawls, err = meter.Int64Counter("zerowire.discovery.crawls",
		metric.WithDescription("Service discovery crawl cycles executed against a peer"),
		metric.WithUnit("{crawls}"),
	)
	if err != nil {
		panic("obs meter: " + err.Error())
	}

	MetricHandlersRun, err = meter.Int64Counter("zerowire.handlers.run",
		metric.WithDescription("Service start/stop handler invocations"),
		metric.WithUnit("{invocations}"),
	)
	if err != nil {
		panic("obs meter: " + err.Error())
	}

	MetricHandlerFailures, err = meter.Int64Counter("zerowire.handlers.failures",
		metric.WithDescription("Service handler invocations that exited non-zero"),
		metric.WithUnit("{invocations}"),
	)
	if err != nil {
		panic("obs meter: " + err.Error())
	}

	MetricDNSQueries, err = meter.Int64Counter("zerowire.dns.queries",
		metric.WithDescription("DNS queries served by the local and interface resolvers"),
		metric.WithUnit("{queries}"),
	)
	if err != nil {
		panic("obs meter: " + err.Error())
	}
}
