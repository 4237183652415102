package obs

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLen = 300

type queryTraceKey struct{}

type queryTrace struct {
	span      trace.Span
	operation string
	sql       string
	start     time.Time
}

// PGXTracer opens a client span per statement on the audit pool and logs
// statements slower than Slow. A zero Slow disables the slow-query log.
type PGXTracer struct {
	Logger zerolog.Logger
	Slow   time.Duration
}

func (t PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	sql := strings.TrimSpace(data.SQL)
	op := "QUERY"
	if fields := strings.Fields(sql); len(fields) > 0 {
		op = strings.ToUpper(fields[0])
	}
	if len(sql) > maxStatementLen {
		sql = sql[:maxStatementLen] + "..."
	}
	ctx, span := otel.Tracer("github.com/noah-isme/hospital-opd/db").Start(ctx, "db "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			attribute.String("db.operation.name", op),
			attribute.String("db.query.text", sql),
		),
	)
	return context.WithValue(ctx, queryTraceKey{}, &queryTrace{span: span, operation: op, sql: sql, start: time.Now()})
}

func (t PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qt, ok := ctx.Value(queryTraceKey{}).(*queryTrace)
	if !ok {
		return
	}
	defer qt.span.End()
	if data.Err != nil {
		qt.span.RecordError(data.Err)
		qt.span.SetStatus(codes.Error, data.Err.Error())
	} else {
		qt.span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	elapsed := time.Since(qt.start)
	if t.Slow > 0 && elapsed >= t.Slow {
		t.Logger.Warn().
			Str("operation", qt.operation).
			Str("statement", qt.sql).
			Dur("elapsed", elapsed).
			Msg("db_slow_query")
	}
}
