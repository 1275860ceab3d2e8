package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all daemon metric instruments.
type Metrics struct {
	JobFires          metric.Int64Counter
	JobSkips          metric.Int64Counter
	RunDuration       metric.Float64Histogram
	ActiveRuns        metric.Int64UpDownCounter
	ApprovalsResolved metric.Int64Counter
	DeliverySends     metric.Int64Counter
	HeartbeatBeats    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobFires, err = meter.Int64Counter("valet.job.fires",
		metric.WithDescription("Scheduled job fires"),
	)
	if err != nil {
		return nil, err
	}

	m.JobSkips, err = meter.Int64Counter("valet.job.skips",
		metric.WithDescription("Due jobs skipped at their concurrency cap"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("valet.run.duration",
		metric.WithDescription("Run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("valet.run.active",
		metric.WithDescription("Number of currently active runs"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("valet.approval.resolved",
		metric.WithDescription("Approval decisions recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliverySends, err = meter.Int64Counter("valet.delivery.sends",
		metric.WithDescription("Outbound delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatBeats, err = meter.Int64Counter("valet.heartbeat.beats",
		metric.WithDescription("Heartbeat runs launched"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
