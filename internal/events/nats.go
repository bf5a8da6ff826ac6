package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/workers"
)

const (
	natsStreamName   = "SCREENER"
	natsSubjectRoot  = "screener"
	natsTokenSubject = natsSubjectRoot + ".token."
	natsAlertSubject = natsSubjectRoot + ".alert"
	natsConsumerName = "screener-hub"
)

// NATSBus publishes analyses to JetStream and, through its bridge,
// republishes them into the hub. Decoupling publish from fan-out lets a
// second gateway instance consume the same stream.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	logger zerolog.Logger
}

// ConnectNATS dials the bus and provisions the stream: interest
// retention, in-memory storage, oldest-first discard.
func ConnectNATS(url string, logger zerolog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	if _, err := js.StreamInfo(natsStreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      natsStreamName,
			Subjects:  []string{natsSubjectRoot + ".>"},
			Retention: nats.InterestPolicy,
			MaxAge:    10 * time.Minute,
			Storage:   nats.MemoryStorage,
			Replicas:  1,
			Discard:   nats.DiscardOld,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create stream: %w", err)
		}
	}

	return &NATSBus{
		conn:   conn,
		js:     js,
		logger: logger.With().Str("component", "nats").Logger(),
	}, nil
}

// PublishAnalysis writes the analysis to its token subject. Fire and
// forget; a publish error is logged and counted, never surfaced to the
// cycle.
func (b *NATSBus) PublishAnalysis(a *types.CombinedAnalysis) {
	data, err := json.Marshal(a)
	if err != nil {
		b.logger.Error().Err(err).Str("address", a.Address).Msg("Analysis marshal failed")
		return
	}
	subject := natsTokenSubject + sanitizeSubject(a.Address)
	if _, err := b.js.PublishAsync(subject, data); err != nil {
		metrics.RecordEventPublishError("nats")
		b.logger.Error().Err(err).Str("subject", subject).Msg("JetStream publish failed")
		return
	}
	metrics.RecordEventPublished("nats")
	if alert, ok := scoreAlert(a); ok {
		b.PublishAlert(alert)
	}
}

// PublishAlert writes an alert to the alert subject.
func (b *NATSBus) PublishAlert(alert any) {
	data, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if _, err := b.js.PublishAsync(natsAlertSubject, data); err != nil {
		metrics.RecordEventPublishError("nats")
		return
	}
	metrics.RecordEventPublished("nats")
}

// StartBridge subscribes to the token subjects (durable, manual ack) and
// republishes each analysis into the hub through the worker pool. Overload
// NAKs the message for redelivery instead of blocking the consumer.
func (b *NATSBus) StartBridge(pool *workers.Pool, hub Broadcaster) error {
	sub, err := b.js.Subscribe(natsTokenSubject+">", func(msg *nats.Msg) {
		var a types.CombinedAnalysis
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Undecodable bus message")
			msg.Term()
			return
		}
		submitted := pool.Submit(func() {
			fanOut(hub, &a)
			if err := msg.Ack(); err != nil {
				b.logger.Debug().Err(err).Str("subject", msg.Subject).Msg("ACK failed")
			}
		})
		if !submitted {
			if err := msg.Nak(); err != nil {
				b.logger.Debug().Err(err).Msg("NAK failed during overload")
			}
		}
	}, nats.Durable(natsConsumerName), nats.ManualAck(), nats.AckWait(30*time.Second))
	if err != nil {
		return fmt.Errorf("subscribe %s>: %w", natsTokenSubject, err)
	}
	b.sub = sub
	b.logger.Info().Str("subject", natsTokenSubject+">").Msg("Bus bridge started")
	return nil
}

// Close drains the subscription and the connection.
func (b *NATSBus) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Drain()
	}
}

// sanitizeSubject keeps addresses legal as NATS subject tokens.
func sanitizeSubject(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
