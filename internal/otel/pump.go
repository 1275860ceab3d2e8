package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/persistence"
)

// StartBusMetrics feeds the metric instruments from bus events until the
// context closes. Keeps instrumentation out of the domain packages.
func StartBusMetrics(ctx context.Context, b *bus.Bus, m *Metrics) {
	if b == nil || m == nil {
		return
	}
	sub := b.Subscribe("")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				record(ctx, m, ev)
			}
		}
	}()
}

func record(ctx context.Context, m *Metrics, ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.JobFiredEvent:
		m.JobFires.Add(ctx, 1, metric.WithAttributes(AttrJobID.String(payload.JobID)))
	case bus.JobSkippedEvent:
		m.JobSkips.Add(ctx, 1, metric.WithAttributes(AttrJobID.String(payload.JobID)))
	case bus.RunStateChangedEvent:
		switch payload.NewStatus {
		case persistence.RunRunning:
			if payload.OldStatus == persistence.RunPending {
				m.ActiveRuns.Add(ctx, 1)
			}
		case persistence.RunCompleted, persistence.RunFailed, persistence.RunCancelled:
			if payload.OldStatus != persistence.RunPending {
				m.ActiveRuns.Add(ctx, -1)
			}
		}
	case bus.ApprovalEvent:
		if payload.Decision != "" {
			m.ApprovalsResolved.Add(ctx, 1, metric.WithAttributes(AttrDecision.String(payload.Decision)))
		}
	case bus.DeliverySentEvent:
		m.DeliverySends.Add(ctx, 1, metric.WithAttributes(AttrChannel.String(payload.Channel)))
	case bus.HeartbeatBeatEvent:
		m.HeartbeatBeats.Add(ctx, 1)
	}
}
