package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestEvaluate_SpanCarriesVerdictAndPolicyVersion(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	f := newFixture(t, fixtureOpts{limits: withdrawalLimits(9)})
	f.putProfile("w13", 0)
	ctx := context.Background()

	var d *Decision
	for i := 0; i < 4; i++ {
		d = f.gate.Evaluate(ctx, Request{Subject: "w13", Action: "withdrawal_request"})
	}
	require.Equal(t, VerdictBlock, d.Verdict)

	var attrs map[attribute.Key]attribute.Value
	for _, span := range sr.Ended() {
		if span.Name() != "gate.Evaluate" {
			continue
		}
		attrs = make(map[attribute.Key]attribute.Value)
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
	}
	require.NotNil(t, attrs, "gate.Evaluate span not recorded")
	assert.Equal(t, "block", attrs["risk.verdict"].AsString())
	assert.Equal(t, d.PolicyVersion, attrs["risk.policy_version"].AsString())
	assert.Equal(t, "w13", attrs["subject.id"].AsString())
}
