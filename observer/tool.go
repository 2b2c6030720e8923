package observer

import (
	"context"
	"encoding/json"
	"time"

	alfred "github.com/0xcha05/alfred"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps an alfred.Tool with OTEL instrumentation. Spans and
// metrics carry the target machine when the call routes to one, so tool
// latency can be broken down per daemon.
type ObservedTool struct {
	inner alfred.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner alfred.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Definitions() []alfred.ToolDefinition {
	return o.inner.Definitions()
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (alfred.ToolResult, error) {
	machine := machineArg(args)

	spanAttrs := []attribute.KeyValue{AttrToolName.String(name)}
	if machine != "" {
		spanAttrs = append(spanAttrs, AttrToolMachine.String(machine))
	}
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(spanAttrs...))
	defer span.End()

	start := time.Now()
	result, err := o.inner.Execute(ctx, name, args)
	durationMs := float64(time.Since(start).Milliseconds())

	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Error != "":
		status = "tool_error"
	}
	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	metricAttrs := []attribute.KeyValue{
		AttrToolName.String(name),
		attribute.String("status", status),
	}
	if machine != "" {
		metricAttrs = append(metricAttrs, AttrToolMachine.String(machine))
	}
	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(metricAttrs...))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	rec := toolLogRecord(name, status, machine, len(result.Content), durationMs)
	if chatID := alfred.ChatIDFrom(ctx); chatID != "" {
		rec.AddAttributes(otellog.String("chat.id", chatID))
	}
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// machineArg pulls the routing target out of the raw arguments without
// failing on tools that have none. Argument bodies are never logged; shell
// commands and file contents do not belong in telemetry.
func machineArg(args json.RawMessage) string {
	var probe struct {
		Machine string `json:"machine"`
	}
	if json.Unmarshal(args, &probe) != nil {
		return ""
	}
	return probe.Machine
}

func toolLogRecord(name, status, machine string, resultLen int, durationMs float64) otellog.Record {
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", resultLen),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	if machine != "" {
		rec.AddAttributes(otellog.String("tool.machine", machine))
	}
	return rec
}
