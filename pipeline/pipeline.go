// Package pipeline drives a meal photo through detection, clarification,
// calculation and local adjustment. Each Session is a small state machine
// that allows at most one stage in flight and discards results that arrive
// after the session moved on.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nutrilens"
	"nutrilens/nutrition"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline holds what sessions share: the Estimator, the deterministic
// nutrition core, logging and telemetry.
type Pipeline struct {
	estimator nutrilens.Estimator
	resolver  *nutrition.Resolver
	engine    *nutrition.Engine
	logger    nutrilens.StageLogger
	tracer    trace.Tracer
	now       func() time.Time

	stageCounter  metric.Int64Counter
	failedCounter metric.Int64Counter
	stageDuration metric.Float64Histogram
	recalcCounter metric.Int64Counter
}

type Option func(*Pipeline)

// WithStageLogger records every stage execution.
func WithStageLogger(l nutrilens.StageLogger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTelemetry replaces the global tracer and meter.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
		p.initMetrics(meter)
	}
}

func withClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New builds a pipeline. The resolver's catalog is used for adjustment.
func New(est nutrilens.Estimator, resolver *nutrition.Resolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		estimator: est,
		resolver:  resolver,
		engine:    nutrition.NewEngine(resolver.Catalog()),
		logger:    nutrilens.NewNoOpStageLogger(),
		tracer:    otel.Tracer(nutrilens.TracerNamePipeline),
		now:       time.Now,
	}
	p.initMetrics(otel.Meter(nutrilens.TracerNamePipeline))
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) initMetrics(meter metric.Meter) {
	p.stageCounter, _ = meter.Int64Counter("pipeline_stage_total",
		metric.WithDescription("Total number of pipeline stages started"))
	p.failedCounter, _ = meter.Int64Counter("pipeline_stage_failed_total",
		metric.WithDescription("Total number of pipeline stages that failed"))
	p.stageDuration, _ = meter.Float64Histogram("pipeline_stage_duration_seconds",
		metric.WithDescription("Duration of pipeline stages"),
		metric.WithUnit("s"))
	p.recalcCounter, _ = meter.Int64Counter("pipeline_recalculations_total",
		metric.WithDescription("Total number of local recalculations"))
}

func (p *Pipeline) Engine() *nutrition.Engine     { return p.engine }
func (p *Pipeline) Resolver() *nutrition.Resolver { return p.resolver }

// NewSession starts an idle session with the given id.
func (p *Pipeline) NewSession(id string) *Session {
	now := p.now()
	return &Session{
		id:        id,
		p:         p,
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
	}
}

// ResumeSession starts a session in Complete from a saved meal so its
// ingredients can be adjusted again.
func (p *Pipeline) ResumeSession(id string, rec nutrilens.MealRecord) *Session {
	s := p.NewSession(id)
	a := rec.Analysis()
	s.analysis = &a
	s.baseScore = a.HealthScore
	s.state = StateComplete
	slog.Info("PIPELINE: Resumed saved meal", "session_id", id, "meal_id", rec.ID, "items", len(a.Items))
	return s
}

// stageRun tracks one stage for logging and telemetry.
type stageRun struct {
	p       *Pipeline
	session string
	stage   Stage
	start   time.Time
	span    trace.Span
}

func (p *Pipeline) startStage(ctx context.Context, sessionID string, stage Stage) (context.Context, *stageRun) {
	ctx, span := p.tracer.Start(ctx, "Pipeline."+string(stage),
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	p.stageCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
	slog.Info("PIPELINE: Stage started", "session_id", sessionID, "stage", stage)
	return ctx, &stageRun{p: p, session: sessionID, stage: stage, start: p.now(), span: span}
}

// end records the outcome. input and output are logged as-is.
func (r *stageRun) end(ctx context.Context, input, output any, err error, after State) {
	defer r.span.End()

	elapsed := r.p.now().Sub(r.start)
	attrs := metric.WithAttributes(attribute.String("stage", string(r.stage)))
	r.p.stageDuration.Record(ctx, elapsed.Seconds(), attrs)

	entry := nutrilens.StageLog{
		SessionID:  r.session,
		Stage:      string(r.stage),
		Timestamp:  r.start,
		Duration:   elapsed,
		Input:      input,
		Output:     output,
		StateAfter: string(after),
	}

	if err != nil {
		r.p.failedCounter.Add(ctx, 1, attrs)
		r.span.RecordError(err)
		entry.Error = err.Error()
		slog.Error("PIPELINE: Stage failed", "session_id", r.session, "stage", r.stage, "error", err, "duration", elapsed)
	} else {
		slog.Info("PIPELINE: Stage completed", "session_id", r.session, "stage", r.stage, "state", after, "duration", elapsed)
	}
	r.span.SetAttributes(attribute.String("state.after", string(after)))

	if lerr := r.p.logger.LogStage(entry); lerr != nil {
		slog.Warn("PIPELINE: Failed to record stage log", "error", lerr)
	}
}

// sanitizeDetection drops clarification questions the catalog cannot
// answer. The needsClarification flag is kept as reported.
func (p *Pipeline) sanitizeDetection(d nutrilens.DetectionResult) nutrilens.DetectionResult {
	catalog := p.resolver.Catalog()
	d = cloneDetection(d)
	for i := range d.Items {
		item := &d.Items[i]
		kept := item.ClarificationQuestions[:0:0]
		for _, q := range item.ClarificationQuestions {
			if _, ok := catalog.Category(q.QuestionID); !ok || len(q.Options) == 0 {
				slog.Warn("PIPELINE: Dropping clarification question", "item", item.Name, "question_id", q.QuestionID)
				continue
			}
			kept = append(kept, q)
		}
		item.ClarificationQuestions = kept
	}
	return d
}

// checkItemSum warns when the reported per-item calories drift from the
// reported total. The drift is kept; totals are authoritative.
func checkItemSum(sessionID string, a nutrilens.MealAnalysis) {
	sum := 0
	for _, it := range a.Items {
		sum += it.Calories
	}
	if diff := sum - a.Calories; diff > len(a.Items) || -diff > len(a.Items) {
		slog.Warn("PIPELINE: Item calories do not add up to total",
			"session_id", sessionID, "items_sum", sum, "total", a.Calories)
	}
}

func stageError(stage Stage, err error) error {
	switch stage {
	case StageDetect:
		return fmt.Errorf("%w: %w", nutrilens.ErrDetectionFailed, err)
	case StageCalculate:
		return fmt.Errorf("%w: %w", nutrilens.ErrCalculationFailed, err)
	}
	return err
}
