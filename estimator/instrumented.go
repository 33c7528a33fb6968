package estimator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"nutrilens"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrumented wraps an Estimator with spans, metrics and logs.
type Instrumented struct {
	next   nutrilens.Estimator
	name   string
	tracer trace.Tracer

	callsCounter         metric.Int64Counter
	callsFailedCounter   metric.Int64Counter
	responseTimeHist     metric.Float64Histogram
	imageSizeGauge       metric.Int64Gauge
	detectedItemsGauge   metric.Int64Gauge
	caloriesReportedHist metric.Float64Histogram
}

// NewInstrumented wraps next. name identifies the backend in attributes.
func NewInstrumented(next nutrilens.Estimator, name string, tracer trace.Tracer, meter metric.Meter) *Instrumented {
	in := &Instrumented{next: next, name: name, tracer: tracer}

	in.callsCounter, _ = meter.Int64Counter("estimator_calls_total",
		metric.WithDescription("Total number of estimator calls"))
	in.callsFailedCounter, _ = meter.Int64Counter("estimator_calls_failed_total",
		metric.WithDescription("Total number of estimator calls that failed"))
	in.responseTimeHist, _ = meter.Float64Histogram("estimator_response_time_seconds",
		metric.WithDescription("Time taken to receive a response from the estimator in seconds"))
	in.imageSizeGauge, _ = meter.Int64Gauge("image_size_bytes",
		metric.WithDescription("Size of the image sent for detection in bytes"))
	in.detectedItemsGauge, _ = meter.Int64Gauge("detected_items_count",
		metric.WithDescription("Number of food items in the latest detection"))
	in.caloriesReportedHist, _ = meter.Float64Histogram("estimator_reported_calories",
		metric.WithDescription("Total calories reported by the estimator"))

	return in
}

func (in *Instrumented) Detect(ctx context.Context, img nutrilens.Image) (nutrilens.DetectionResult, error) {
	ctx, span := in.tracer.Start(ctx, "Estimator.Detect", trace.WithAttributes(
		attribute.String("estimator", in.name),
		attribute.Int("image_size_bytes", len(img.Data)),
	))
	defer span.End()

	in.imageSizeGauge.Record(ctx, int64(len(img.Data)), in.attrs("detect"))

	start := time.Now()
	res, err := in.next.Detect(ctx, img)
	elapsed := in.record(ctx, span, "detect", start, err)
	if err != nil {
		return res, err
	}

	in.detectedItemsGauge.Record(ctx, int64(len(res.Items)), in.attrs("detect"))
	span.AddEvent("Detection received", trace.WithAttributes(
		attribute.Int("items", len(res.Items)),
		attribute.Bool("needs_clarification", res.NeedsClarification()),
	))
	slog.Info("ESTIMATOR: Detection received",
		"estimator", in.name,
		"items", len(res.Items),
		"needs_clarification", res.NeedsClarification(),
		"response_time_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func (in *Instrumented) Calculate(ctx context.Context, req nutrilens.CalculationRequest) (nutrilens.CalculationResult, error) {
	ctx, span := in.tracer.Start(ctx, "Estimator.Calculate", trace.WithAttributes(
		attribute.String("estimator", in.name),
		attribute.Int("items", len(req.Items)),
		attribute.Int("answered_items", len(req.UserAnswers)),
	))
	defer span.End()

	start := time.Now()
	res, err := in.next.Calculate(ctx, req)
	elapsed := in.record(ctx, span, "calculate", start, err)
	if err != nil {
		return res, err
	}

	in.caloriesReportedHist.Record(ctx, res.Calories, in.attrs("calculate"))
	span.AddEvent("Nutrition received", trace.WithAttributes(
		attribute.Float64("calories", res.Calories),
		attribute.String("health_classification", res.HealthClassification),
	))
	slog.Info("ESTIMATOR: Nutrition received",
		"estimator", in.name,
		"calories", res.Calories,
		"classification", res.HealthClassification,
		"response_time_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func (in *Instrumented) attrs(call string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("estimator", in.name),
		attribute.String("call", call),
	)
}

func (in *Instrumented) record(ctx context.Context, span trace.Span, call string, start time.Time, err error) time.Duration {
	elapsed := time.Since(start)
	in.callsCounter.Add(ctx, 1, in.attrs(call))
	in.responseTimeHist.Record(ctx, elapsed.Seconds(), in.attrs(call))

	if err != nil {
		in.callsFailedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("estimator", in.name),
			attribute.String("call", call),
			attribute.String("error_type", ErrorType(err)),
		))
		span.SetStatus(codes.Error, "estimator call failed")
		span.RecordError(err)
		slog.Error("ESTIMATOR: Call failed", "estimator", in.name, "call", call, "error", err, "response_time_ms", elapsed.Milliseconds())
	}
	return elapsed
}

// ErrorType buckets an estimator error for metrics.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, nutrilens.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, nutrilens.ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, nutrilens.ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
