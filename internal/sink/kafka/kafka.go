// Package kafka publishes events to Kafka, either one message per event or
// one message per affected row.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"mysqlevp/internal/config"
	"mysqlevp/internal/models"
	"mysqlevp/internal/sink/render"
)

const (
	baseJitterMs = 300
	maxJitterMs  = 5000
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a synchronous writer that waits for every in-sync
// replica to acknowledge. Messages with the same key land on the same
// partition.
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
}

// Sink publishes events to Kafka and returns once the brokers have them.
type Sink struct {
	writer      messageWriter
	topic       string
	splitRow    bool
	maxAttempts int
	renderer    *render.Renderer
	logger      *logrus.Entry
}

// New creates a Kafka sink writing through writer, usually from NewWriter.
func New(writer messageWriter, cfg config.KafkaConfig, renderer *render.Renderer, logger *logrus.Logger) *Sink {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Sink{
		writer:      writer,
		topic:       cfg.Topic,
		splitRow:    cfg.SplitRow,
		maxAttempts: maxAttempts,
		renderer:    renderer,
		logger:      logger.WithField("sink", "kafka"),
	}
}

func (s *Sink) OnInsert(ctx context.Context, ev *models.Envelope) error {
	return s.publish(ctx, ev)
}

func (s *Sink) OnUpdate(ctx context.Context, ev *models.Envelope) error {
	return s.publish(ctx, ev)
}

func (s *Sink) OnDelete(ctx context.Context, ev *models.Envelope) error {
	return s.publish(ctx, ev)
}

func (s *Sink) Close() error {
	return s.writer.Close()
}

// Messages builds the messages for ev. In split-row mode each row is its own
// message keyed "<ev_id>#<row_index>"; otherwise a single message keyed by
// ev_id carries all rows.
func (s *Sink) Messages(ev *models.Envelope) ([]kafka.Message, error) {
	topic := render.Topic(s.topic, ev.Schema, ev.Table)

	if !s.splitRow {
		value, err := render.Marshal(s.renderer.Event(ev), 0)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
		}
		return []kafka.Message{{Topic: topic, Key: []byte(ev.ID), Value: value}}, nil
	}

	docs := s.renderer.Rows(ev, true)
	msgs := make([]kafka.Message, len(docs))
	for i, doc := range docs {
		value, err := render.Marshal(doc, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal row %d of %s: %w", i, ev.ID, err)
		}
		msgs[i] = kafka.Message{Topic: topic, Key: []byte(doc.MsgKey), Value: value}
	}
	return msgs, nil
}

func (s *Sink) publish(ctx context.Context, ev *models.Envelope) error {
	msgs, err := s.Messages(ev)
	if err != nil {
		return err
	}

	var kafkaErr error
	for attempts := 0; attempts < s.maxAttempts; attempts++ {
		kafkaErr = s.writer.WriteMessages(ctx, msgs...)
		if kafkaErr == nil {
			s.logger.Debugf("Published %d messages for event %s", len(msgs), ev.ID)
			return nil
		}
		if isExceedMaxMessageBytesErr(kafkaErr) || ctx.Err() != nil {
			break
		}
		if attempts+1 == s.maxAttempts {
			break
		}

		sleep := time.Duration(jitterMs(baseJitterMs, maxJitterMs, attempts)) * time.Millisecond
		s.logger.WithError(kafkaErr).WithField("attempts", attempts).Infof("Failed to publish to kafka, retrying in %s", sleep)
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to write messages for %s: %w", ev.ID, ctx.Err())
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("failed to write messages for %s: %w", ev.ID, kafkaErr)
}

func isExceedMaxMessageBytesErr(err error) bool {
	var e kafka.MessageTooLargeError
	return err != nil && errors.As(err, &e)
}

// jitterMs draws a sleep from [0, min(maxMs, baseMs * 2^attempts)).
func jitterMs(baseMs, maxMs, attempts int) int {
	ceiling := baseMs * (1 << attempts)
	if ceiling > maxMs || ceiling <= 0 {
		ceiling = maxMs
	}
	return rand.Intn(ceiling)
}
