package producer

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/radieske/coinflip-platform-poc/pkg/contracts/events"
)

// KafkaPublisher é o colaborador de notificação: o core publica a transição e
// esquece; entrega é problema do broker.
type KafkaPublisher struct {
	BetWriter     *kafka.Writer
	BalanceWriter *kafka.Writer
}

func NewKafkaPublisher(betWriter, balanceWriter *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{BetWriter: betWriter, BalanceWriter: balanceWriter}
}

func (p *KafkaPublisher) PublishBetEvent(ctx context.Context, e events.BetEvent) error {
	e.Ts = time.Now()
	b, _ := json.Marshal(e)
	return p.BetWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(e.BetID, 10)),
		Value: b,
	})
}

func (p *KafkaPublisher) PublishBalanceEvent(ctx context.Context, e events.BalanceEvent) error {
	e.Ts = time.Now()
	b, _ := json.Marshal(e)
	return p.BalanceWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Address),
		Value: b,
	})
}
