package voicechat

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/bt-bridge/voicechat"

// instruments are resolved against the global meter provider; without one
// installed they are no-ops.
type instruments struct {
	handshakeAttempts metric.Int64Counter
	connectDuration   metric.Float64Histogram
	subtitlesEmitted  metric.Int64Counter
	subtitlesDropped  metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	ins := new(instruments)
	var err error
	if ins.handshakeAttempts, err = meter.Int64Counter(
		"voicechat.handshake.attempts",
		metric.WithDescription("Offer deliveries attempted"),
	); err != nil {
		otel.Handle(err)
	}
	if ins.connectDuration, err = meter.Float64Histogram(
		"voicechat.connect.duration",
		metric.WithDescription("Time from connect to an applied answer"),
		metric.WithUnit("ms"),
	); err != nil {
		otel.Handle(err)
	}
	if ins.subtitlesEmitted, err = meter.Int64Counter(
		"voicechat.subtitles.emitted",
		metric.WithDescription("Captions surfaced on the bus"),
	); err != nil {
		otel.Handle(err)
	}
	if ins.subtitlesDropped, err = meter.Int64Counter(
		"voicechat.subtitles.dropped",
		metric.WithDescription("Malformed or superseded captions"),
	); err != nil {
		otel.Handle(err)
	}
	return ins
}

func (i *instruments) attempt(ctx context.Context, outcome string) {
	if i == nil || i.handshakeAttempts == nil {
		return
	}
	i.handshakeAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (i *instruments) connected(ctx context.Context, ms float64) {
	if i == nil || i.connectDuration == nil {
		return
	}
	i.connectDuration.Record(ctx, ms)
}

func (i *instruments) emitted(kind SubtitleKind) {
	if i == nil || i.subtitlesEmitted == nil {
		return
	}
	i.subtitlesEmitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (i *instruments) dropped(reason string, n int) {
	if i == nil || i.subtitlesDropped == nil || n == 0 {
		return
	}
	i.subtitlesDropped.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
