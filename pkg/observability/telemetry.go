package observability

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metric names.
const (
	MetricExecutions         = "conveyor.task.executions"
	MetricFailures           = "conveyor.task.failures"
	MetricDuration           = "conveyor.task.duration"
	MetricActive             = "conveyor.task.active"
	MetricDeferrals          = "conveyor.task.deferrals"
	MetricDeadLetters        = "conveyor.task.dead_letters"
	MetricBreakerTransitions = "conveyor.breaker.transitions"
	MetricStuckTasks         = "conveyor.monitor.stuck"
)

// Engine semantic convention attributes.
var (
	AttrTaskID      = attribute.Key("conveyor.task.id")
	AttrTaskType    = attribute.Key("conveyor.task.type")
	AttrResourceKey = attribute.Key("conveyor.resource.key")
	AttrAttempt     = attribute.Key("conveyor.task.attempt")
	AttrOutcome     = attribute.Key("conveyor.task.outcome")
	AttrReason      = attribute.Key("conveyor.deferral.reason")
	AttrFromState   = attribute.Key("conveyor.breaker.from")
	AttrToState     = attribute.Key("conveyor.breaker.to")
	AttrStuckAction = attribute.Key("conveyor.monitor.action")
)

// StartExecution opens a span for one handler run and returns the function
// that closes it with the outcome.
func (p *Provider) StartExecution(ctx context.Context, t *task.Task) (context.Context, func(task.Kind, error)) {
	start := time.Now()
	typ, key := AttrTaskType.String(t.Type), AttrResourceKey.String(t.ResourceKey)

	ctx, span := p.tracer.Start(ctx, "task.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(typ, key, AttrTaskID.String(t.ID), AttrAttempt.Int(t.Attempts+1)),
	)
	p.active.Add(ctx, 1, metric.WithAttributes(typ))

	return ctx, func(kind task.Kind, err error) {
		p.active.Add(ctx, -1, metric.WithAttributes(typ))
		outcome := metric.WithAttributes(typ, key, AttrOutcome.String(kind.String()))
		p.executions.Add(ctx, 1, outcome)
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(typ))

		span.SetAttributes(AttrOutcome.String(kind.String()))
		if kind != task.KindSuccess {
			p.failures.Add(ctx, 1, outcome)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.End()
	}
}

// RecordDeferral counts a task released by a breaker, limiter or gate.
func (p *Provider) RecordDeferral(ctx context.Context, resourceKey, reason string) {
	p.deferrals.Add(ctx, 1, metric.WithAttributes(AttrResourceKey.String(resourceKey), AttrReason.String(reason)))
}

// RecordDeadLetter counts a task that exhausted its attempts.
func (p *Provider) RecordDeadLetter(ctx context.Context, t *task.Task) {
	p.deadLetters.Add(ctx, 1, metric.WithAttributes(AttrTaskType.String(t.Type), AttrResourceKey.String(t.ResourceKey)))
	trace.SpanFromContext(ctx).AddEvent("dead_letter", trace.WithAttributes(AttrTaskID.String(t.ID)))
}

// BreakerObserver returns a breaker.Observer that counts state changes.
func (p *Provider) BreakerObserver() breaker.Observer {
	return func(key string, from, to breaker.State) {
		p.transitions.Add(context.Background(), 1, metric.WithAttributes(
			AttrResourceKey.String(key),
			AttrFromState.String(string(from)),
			AttrToState.String(string(to)),
		))
	}
}

// RecordStuck counts stuck tasks by what the monitor did with them.
func (p *Provider) RecordStuck(ctx context.Context, requeued, deadLettered, flagged int) {
	for action, n := range map[string]int{"requeued": requeued, "dead_lettered": deadLettered, "flagged": flagged} {
		if n > 0 {
			p.stuck.Add(ctx, int64(n), metric.WithAttributes(AttrStuckAction.String(action)))
		}
	}
}
