package handler

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"patient-monitor/internal/config"
)

const pollTimeoutMs = 100

func consumerConfig(cfg *config.Config) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers": cfg.KafkaBrokers,
		"group.id":          cfg.ConsumerGroup,
		"auto.offset.reset": "earliest",
	}
}

// RunKafkaConsumer feeds every record on the vitals topic to handlerFunc
// until ctx is cancelled.
func RunKafkaConsumer(ctx context.Context, cfg *config.Config, handlerFunc func([]byte), logger *zap.Logger) error {
	topic := cfg.VitalsTopic
	logger = logger.With(zap.String("component", "kafka"), zap.String("topic", topic))

	consumer, err := kafka.NewConsumer(consumerConfig(cfg))
	if err != nil {
		return fmt.Errorf("create consumer for topic %s: %w", topic, err)
	}
	defer consumer.Close()

	if err := consumer.Subscribe(topic, nil); err != nil {
		return fmt.Errorf("subscribe to topic %s: %w", topic, err)
	}

	logger.Info("Consumer started", zap.String("group_id", cfg.ConsumerGroup))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping consumer")
			return nil
		default:
			ev := consumer.Poll(pollTimeoutMs)
			if ev == nil {
				continue
			}
			switch e := ev.(type) {
			case *kafka.Message:
				handlerFunc(e.Value)
			case kafka.Error:
				logger.Error("Kafka error", zap.String("code", e.Code().String()), zap.Error(e))
			}
		}
	}
}
