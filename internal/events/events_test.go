package events

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"kokoro/backend/internal/domain"
)

func TestBookingCreated_Fields(t *testing.T) {
	id := uuid.MustParse("01890f6e-7a4e-7c3b-9c1e-3f2a1b4c5d6e")
	at := time.Date(2026, 1, 1, 8, 0, 0, 0, time.FixedZone("IST", 19800))
	ev := BookingCreated(domain.Booking{
		ID:       id,
		DoctorID: "d1",
		SlotDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		Start:    570,
		UserID:   "u1",
	}, at)

	if ev.Kind != KindBookingCreated || ev.BookingID != id.String() {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Date != "2026-01-05" || ev.Start != "09:30" {
		t.Fatalf("date/start = %s %s", ev.Date, ev.Start)
	}
	if ev.OccurredAt.Location() != time.UTC {
		t.Fatalf("occurred_at not UTC: %v", ev.OccurredAt)
	}
}

func TestNewPublishing_EncodesBodyAndTraceHeaders(t *testing.T) {
	prevProp := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prevProp) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "book")
	defer span.End()

	ev := BookingCancelled(domain.SlotKey{DoctorID: "d1", Date: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), Start: 540}, "u1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	msg, err := newPublishing(ctx, ev)
	if err != nil {
		t.Fatalf("newPublishing error: %v", err)
	}

	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent || msg.Type != KindBookingCancelled {
		t.Fatalf("publishing = %+v", msg)
	}
	if _, ok := msg.Headers["traceparent"]; !ok {
		t.Fatalf("headers = %v, want traceparent", msg.Headers)
	}

	var got BookingEvent
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.Kind != KindBookingCancelled || got.Start != "09:00" || got.BookingID != "" {
		t.Fatalf("body = %+v", got)
	}
}
