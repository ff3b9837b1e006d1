package natsutil

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type artifactMsg struct {
	ImageID string `json:"image_id"`
	Cluster int    `json:"cluster"`
}

type capture struct {
	msgs []*nats.Msg
	err  error
}

func (c *capture) PublishMsg(m *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*headerCarrier)(msg)

	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("expected traceparent, got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	c := &capture{}
	if err := Publish(context.Background(), c, "hotspots.artifacts", artifactMsg{ImageID: "123", Cluster: 3}); err != nil {
		t.Fatal(err)
	}
	if len(c.msgs) != 1 || c.msgs[0].Subject != "hotspots.artifacts" {
		t.Fatalf("unexpected messages: %+v", c.msgs)
	}

	_, got, err := Decode[artifactMsg](c.msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.ImageID != "123" || got.Cluster != 3 {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestPublishPropagatesTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg, err := NewMsg(ctx, "s", artifactMsg{})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Header.Get("traceparent") == "" {
		t.Fatal("expected traceparent header")
	}

	got, _, err := Decode[artifactMsg](msg)
	if err != nil {
		t.Fatal(err)
	}
	if trace.SpanContextFromContext(got).TraceID() != traceID {
		t.Fatal("trace id not propagated")
	}
}

func TestPublishError(t *testing.T) {
	c := &capture{err: nats.ErrConnectionClosed}
	err := Publish(context.Background(), c, "s", artifactMsg{})
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected connection closed, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, _, err := Decode[artifactMsg](&nats.Msg{Data: []byte("{invalid")}); err == nil {
		t.Fatal("expected decode error")
	}
}
