package alerts

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liqradar/internal/dispatch"
	"github.com/sawpanic/liqradar/internal/domain"
)

// LogSink writes every alert as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink logs through the global logger with component=alerts.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "alerts").Logger()}
}

// NewLogSinkWith logs through logger.
func NewLogSinkWith(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, alert domain.Alert) (dispatch.Ack, error) {
	payload, err := alert.MarshalPayload()
	if err != nil {
		return dispatch.Ack{}, err
	}
	s.logger.Info().
		Str("alert_id", alert.ID).
		Str("kind", string(alert.Kind)).
		Str("symbol", alert.Symbol).
		Str("group", alert.Group).
		RawJSON("payload", payload).
		Time("emitted_at", alert.EmittedAt).
		Msg("Alert")
	return dispatch.Ack{AlertID: alert.ID, Sink: s.Name(), At: alert.EmittedAt}, nil
}

func (s *LogSink) Close() error { return nil }
