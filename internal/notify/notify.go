package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haatos/simple-cd/internal/audit"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type NATSConfig struct {
	URL     string
	Subject string
	JWT     string
	Seed    string
}

func (c NATSConfig) Connect() (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("simple-cd"),
		nats.MaxReconnects(-1),
	}
	if c.JWT != "" {
		opts = append(opts, nats.UserJWTAndSeed(c.JWT, c.Seed))
	}
	return nats.Connect(c.URL, opts...)
}

type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every audit event as JSON on <prefix>.<kind>, e.g.
// simplecd.events.deployment.approved.
type NATSSink struct {
	pub    Publisher
	prefix string
}

func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	return &NATSSink{pub: pub, prefix: prefix}
}

func (s *NATSSink) Subject(kind audit.Kind) string {
	return s.prefix + "." + string(kind)
}

func (s *NATSSink) Deliver(ctx context.Context, e audit.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(s.Subject(e.Kind), b); err != nil {
		return fmt.Errorf("publishing %s: %w", e.Kind, err)
	}
	return nil
}

// LogSink writes audit events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Deliver(ctx context.Context, e audit.Event) error {
	ev := s.logger.Info().
		Int64("seq", e.Seq).
		Str("kind", string(e.Kind)).
		Str("subject", e.Subject).
		Str("actor", e.Actor)
	if len(e.Attributes) > 0 {
		ev = ev.Interface("attributes", e.Attributes)
	}
	ev.Msg("audit event")
	return nil
}
