package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rustyeddy/walkforward/backtest"
)

// MessageWriter is the part of *kafka.Writer the telemetry sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTelemetry publishes one JSON WindowEvent per window, keyed by run id
// so a run's windows land on one partition in order.
type KafkaTelemetry struct {
	Writer MessageWriter
	Now    func() time.Time
}

func NewKafkaTelemetry(brokers []string, topic string) *KafkaTelemetry {
	return &KafkaTelemetry{
		Writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		Now: time.Now,
	}
}

func (k *KafkaTelemetry) RecordWindows(ctx context.Context, run Run, windows []backtest.WindowTelemetry) error {
	if len(windows) == 0 {
		return nil
	}
	now := time.Now
	if k.Now != nil {
		now = k.Now
	}
	msgs := make([]kafka.Message, 0, len(windows))
	for _, w := range windows {
		value, err := json.Marshal(WindowEvent{Run: run, WindowTelemetry: w})
		if err != nil {
			return fmt.Errorf("marshal window %d: %w", w.WindowID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(run.RunID),
			Value: value,
			Time:  now(),
			Headers: []kafka.Header{
				{Key: "strategy_id", Value: []byte(run.StrategyID)},
				{Key: "symbol", Value: []byte(run.Symbol)},
			},
		})
	}
	if err := k.Writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish telemetry for %s: %w", run.RunID, err)
	}
	return nil
}

func (k *KafkaTelemetry) Close() error {
	return k.Writer.Close()
}
