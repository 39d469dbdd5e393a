package alerts

import (
	"context"
	"fmt"

	"github.com/sawpanic/liqradar/internal/config"
)

// Sink types.
const (
	SinkLog      = "log"
	SinkFile     = "file"
	SinkKafka    = "kafka"
	SinkPostgres = "postgres"
)

// NewSink builds the configured sinks. A single sink is returned as is,
// several are wrapped in a MultiSink.
func NewSink(ctx context.Context, cfg *config.Config) (Sink, error) {
	if err := ValidateSinkConfig(cfg); err != nil {
		return nil, err
	}

	var sinks []Sink
	closeAll := func() {
		for _, s := range sinks {
			s.Close()
		}
	}

	for _, name := range cfg.Sinks.Enabled {
		var (
			s   Sink
			err error
		)
		switch name {
		case SinkLog:
			s = NewLogSink()
		case SinkFile:
			s, err = NewFileSink(cfg.Sinks.FilePath)
		case SinkKafka:
			s = NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		case SinkPostgres:
			s, err = OpenJournalSink(ctx, cfg.Postgres.DSN, cfg.Postgres.QueryTimeout)
		default:
			err = fmt.Errorf("unsupported sink type: %s", name)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("sink %s: %w", name, err)
		}
		sinks = append(sinks, s)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewMultiSink(sinks...), nil
}

// ValidateSinkConfig checks that each enabled sink has what it needs.
func ValidateSinkConfig(cfg *config.Config) error {
	if len(cfg.Sinks.Enabled) == 0 {
		return fmt.Errorf("at least one sink must be enabled")
	}
	for _, name := range cfg.Sinks.Enabled {
		switch name {
		case SinkLog:
		case SinkFile:
			if cfg.Sinks.FilePath == "" {
				return fmt.Errorf("file sink requires sinks.file_path")
			}
		case SinkKafka:
			if len(cfg.Kafka.Brokers) == 0 {
				return fmt.Errorf("kafka sink requires kafka.brokers")
			}
			if cfg.Kafka.Topic == "" {
				return fmt.Errorf("kafka sink requires kafka.topic")
			}
		case SinkPostgres:
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("postgres sink requires postgres.dsn")
			}
		default:
			return fmt.Errorf("unsupported sink type: %s", name)
		}
	}
	return nil
}
