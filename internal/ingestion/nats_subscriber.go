package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Inbound command streams. Each event type has its own subject tree so
// producers can scale and order them independently.
const (
	CommandStream  = "POOL_COMMANDS"
	RewardStream   = "POOL_REWARDS"
	OutboundStream = "POOL_LEDGER_EVENTS"
)

// NATSSubscriber subscribes to JetStream subjects and feeds raw commands to
// the ingestor.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a received but unparsed command.
type RawEvent struct {
	Subject    string
	EventType  string
	Data       []byte
	ReceivedAt time.Time
	AckFunc    func() // processed (or rejected for good)
	NakFunc    func() // redeliver
	TermFunc   func() // poison message, never redeliver
}

// SubjectConfig maps a NATS subject tree to an event type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the inbound subject layout.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "pool.deposit.>", EventType: "Deposit", ConsumerName: "pool-deposit", StreamName: CommandStream},
		{Subject: "pool.unlock.>", EventType: "Unlock", ConsumerName: "pool-unlock", StreamName: CommandStream},
		{Subject: "pool.withdraw.>", EventType: "WithdrawUnlocked", ConsumerName: "pool-withdraw", StreamName: CommandStream},
		{Subject: "pool.checkpoint.>", EventType: "Checkpoint", ConsumerName: "pool-checkpoint", StreamName: CommandStream},
		{Subject: "pool.liquidate.>", EventType: "Liquidate", ConsumerName: "pool-liquidate", StreamName: CommandStream},
		{Subject: "pool.payout.claim.>", EventType: "ClaimPayout", ConsumerName: "pool-payout-claim", StreamName: CommandStream},
		{Subject: "pool.rewards.register.>", EventType: "RegisterRewardStream", ConsumerName: "pool-rewards-register", StreamName: RewardStream},
		{Subject: "pool.rewards.notify.>", EventType: "NotifyReward", ConsumerName: "pool-rewards-notify", StreamName: RewardStream},
		{Subject: "pool.rewards.claim.>", EventType: "ClaimReward", ConsumerName: "pool-rewards-claim", StreamName: RewardStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates one durable consumer per subject. Consumers use explicit
// ACK, max_deliver=5, ack_wait=30s and at most one message in flight, so a
// partition's sequence order survives redelivery.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:    msg.Subject(),
				EventType:  eventType,
				Data:       msg.Data(),
				ReceivedAt: time.Now(),
				AckFunc:    func() { msg.Ack() },
				NakFunc:    func() { msg.Nak() },
				TermFunc:   func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	bySubject := make(map[string][]string)
	for _, s := range DefaultSubjects() {
		bySubject[s.StreamName] = append(bySubject[s.StreamName], s.Subject)
	}

	for _, name := range []string{CommandStream, RewardStream} {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  bySubject[name],
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		logger.Info().Str("stream", name).Msg("ensured stream")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("stabilitypool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
