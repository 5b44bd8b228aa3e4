package sink

import (
	"fmt"

	"coinflow/config"
)

// FromConfig constructs every enabled sink. Config validation guarantees at
// least one is enabled for the service, but callers that tolerate an empty
// set (tooling) get one without error.
func FromConfig(cfg *config.Config) ([]Sink, error) {
	var sinks []Sink

	if cfg.Storage.Postgres.Enabled {
		pg, err := NewPostgres(cfg.Storage.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres sink: %w", err)
		}
		sinks = append(sinks, pg)
	}
	if cfg.Storage.S3.Enabled {
		s3Sink, err := NewS3(cfg)
		if err != nil {
			closeAll(sinks)
			return nil, fmt.Errorf("s3 sink: %w", err)
		}
		sinks = append(sinks, s3Sink)
	}
	if cfg.Storage.Kafka.Enabled {
		kafkaSink, err := NewKafka(cfg.Storage.Kafka)
		if err != nil {
			closeAll(sinks)
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, kafkaSink)
	}

	return sinks, nil
}

func closeAll(sinks []Sink) {
	for _, s := range sinks {
		s.Close()
	}
}
