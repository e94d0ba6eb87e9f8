// Package telemetry wires the OTel tracer/meter singletons and the
// structured logger shared by internal/shard, internal/store, and
// internal/session. Grounded on internal/storage/dolt's
// doltTracer/doltMetrics pair, a package-level pair initialized in
// init() against otel's global (initially no-op) providers, and on
// cmd/bd's logging idiom of passing a *slog.Logger through rather than
// reaching for a third-party logger.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/awable/edgestore"

// Tracer is the shared OTel tracer for every EdgeStore SQL and
// lock-scope span. It resolves against otel's global TracerProvider,
// which is a no-op until a real provider is installed by the caller
// (e.g. cmd/edgestorectl), mirroring doltTracer's deferred-activation
// comment.
var Tracer = otel.Tracer(instrumentationName)

// Metrics holds the OTel instruments shared across packages, mirroring
// doltMetrics' package-level instrument struct.
var Metrics struct {
	ShardRetryCount  metric.Int64Counter
	ShardLockWaitMs  metric.Float64Histogram
	QueryCacheHits   metric.Int64Counter
	QueryCacheMisses metric.Int64Counter
}

func init() {
	m := otel.Meter(instrumentationName)
	Metrics.ShardRetryCount, _ = m.Int64Counter("edgestore.shard.retry_count",
		metric.WithDescription("shard SQL operations retried due to transient errors"),
		metric.WithUnit("{retry}"),
	)
	Metrics.ShardLockWaitMs, _ = m.Float64Histogram("edgestore.shard.lock_wait_ms",
		metric.WithDescription("time spent waiting to acquire a colo row lock"),
		metric.WithUnit("ms"),
	)
	Metrics.QueryCacheHits, _ = m.Int64Counter("edgestore.session.query_cache_hits",
		metric.WithDescription("query cache hits across all sessions"),
		metric.WithUnit("{hit}"),
	)
	Metrics.QueryCacheMisses, _ = m.Int64Counter("edgestore.session.query_cache_misses",
		metric.WithDescription("query cache misses across all sessions"),
		metric.WithUnit("{miss}"),
	)
}

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
}

// Logger returns the process-wide structured logger. Defaults to a
// JSON handler over stderr; SetLogger lets cmd/edgestorectl install a
// differently configured one (level, destination) at startup.
func Logger() *slog.Logger {
	return logger.Load()
}

// SetLogger replaces the process-wide logger, e.g. with one at a
// different level or writing to a different sink.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

// SpanAttrs returns the fixed attributes every shard SQL span carries,
// mirroring doltSpanAttrs.
func SpanAttrs(host, db string, colo uint32) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.system", "mysql"),
		attribute.String("db.host", host),
		attribute.String("db.name", db),
		attribute.Int64("edgestore.colo", int64(colo)),
	}
}

// EndSpan records err on span (if non-nil) and ends it, mirroring
// endSpan.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartExec starts a client-kind span for a single SQL statement,
// truncating long statements the same way spanSQL does.
func StartExec(ctx context.Context, name, statement string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name), attribute.String("db.statement", TruncateSQL(statement))}, attrs...)
	return Tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(all...))
}

// TruncateSQL truncates a SQL string to keep spans readable, mirroring
// spanSQL.
func TruncateSQL(s string) string {
	const max = 300
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
