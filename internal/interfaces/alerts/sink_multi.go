package alerts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liqradar/internal/dispatch"
	"github.com/sawpanic/liqradar/internal/domain"
)

// Sink is a closable alert sink.
type Sink interface {
	dispatch.Sink
	io.Closer
	Name() string
}

// MultiSink fans each alert out to every member. The alert is acknowledged
// when at least one member accepts it.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks in delivery order.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Name() string { return "multi" }

// Names lists member sinks.
func (m *MultiSink) Names() []string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return names
}

func (m *MultiSink) Deliver(ctx context.Context, alert domain.Alert) (dispatch.Ack, error) {
	var (
		first dispatch.Ack
		acked bool
		errs  []error
	)
	for _, s := range m.sinks {
		ack, err := s.Deliver(ctx, alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if !acked {
			first, acked = ack, true
		}
	}

	if acked {
		if len(errs) > 0 {
			log.Warn().Err(errors.Join(errs...)).Str("alert_id", alert.ID).Msg("Alert partially delivered")
		}
		return first, nil
	}
	if len(errs) == 0 {
		return dispatch.Ack{}, errors.New("no alert sinks configured")
	}
	return dispatch.Ack{}, errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// FindJournal returns the postgres journal when s is one or includes one.
func FindJournal(s Sink) (*JournalSink, bool) {
	switch v := s.(type) {
	case *JournalSink:
		return v, true
	case *MultiSink:
		for _, member := range v.sinks {
			if j, ok := FindJournal(member); ok {
				return j, true
			}
		}
	}
	return nil, false
}
