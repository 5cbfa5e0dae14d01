// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapTracer turns spans and events into structured log lines via a
// zap.Logger. It keeps no in-memory span buffer; "export" is just a log
// write, so EndSpan and RecordEvent block only as long as the underlying
// core does.
type ZapTracer struct {
	logger *zap.Logger
}

// NewZapTracer wraps logger. A nil logger falls back to zap.NewNop().
func NewZapTracer(logger *zap.Logger) *ZapTracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapTracer{logger: logger}
}

func (t *ZapTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := &Span{
		Name:       name,
		Attributes: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(span)
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}
	if span.TraceID == "" {
		span.TraceID = uuid.New().String()
	}
	span.SpanID = uuid.New().String()
	span.StartTime = time.Now()
	return ContextWithSpan(ctx, span), span
}

func (t *ZapTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)

	fields := []zap.Field{
		zap.String("trace_id", span.TraceID),
		zap.String("span_id", span.SpanID),
		zap.Duration("duration", span.Duration),
	}
	for k, v := range span.Attributes {
		fields = append(fields, zap.Any(k, v))
	}

	if span.Status.Code == StatusError {
		t.logger.Warn(span.Name, append(fields, zap.String("status", span.Status.Message))...)
		return
	}
	t.logger.Debug(span.Name, fields...)
}

func (t *ZapTracer) RecordMetric(name string, value float64, labels map[string]string) {
	fields := make([]zap.Field, 0, len(labels)+1)
	fields = append(fields, zap.Float64("value", value))
	for k, v := range labels {
		fields = append(fields, zap.String(k, v))
	}
	t.logger.Debug("metric."+name, fields...)
}

func (t *ZapTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	fields := make([]zap.Field, 0, len(attributes))
	for k, v := range attributes {
		fields = append(fields, zap.Any(k, v))
	}
	if span := SpanFromContext(ctx); span != nil {
		span.AddEvent(name, attributes)
		fields = append(fields, zap.String("span_id", span.SpanID))
	}
	t.logger.Info(name, fields...)
}

func (t *ZapTracer) Flush(ctx context.Context) error {
	return t.logger.Sync()
}

// CoreLevel returns the zapcore.Level this tracer would log non-error spans
// at, useful for callers constructing a shared logger configuration.
func (t *ZapTracer) CoreLevel() zapcore.Level {
	return zapcore.DebugLevel
}

var _ Tracer = (*ZapTracer)(nil)
