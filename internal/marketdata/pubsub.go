package marketdata

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PubSubBackend mirrors accepted ticks and order events to an out-of-process
// channel. Redis suits low-latency fan-out, Kafka durable distribution.
type PubSubBackend interface {
	Publish(ctx context.Context, channel string, msg interface{}) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) error
	Close() error
}

// RedisPubSub implements PubSubBackend on a Redis pub/sub channel.
type RedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(addr, password string, db int) *RedisPubSub {
	return &RedisPubSub{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	pubsub := r.client.Subscribe(ctx, channel)
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	return nil
}

func (r *RedisPubSub) Close() error {
	return r.client.Close()
}

// KafkaPubSub implements PubSubBackend on a Kafka topic.
type KafkaPubSub struct {
	logger *zap.Logger
	writer *kafka.Writer
	reader *kafka.Reader
}

func NewKafkaPubSub(logger *zap.Logger, brokers []string, topic, groupID string) *KafkaPubSub {
	return &KafkaPubSub{
		logger: logger,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
	}
}

func (k *KafkaPubSub) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(channel), Value: data})
}

func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	go func() {
		for {
			m, err := k.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					k.logger.Error("kafka read failed", zap.Error(err))
				}
				return
			}
			handler(m.Value)
		}
	}()
	return nil
}

func (k *KafkaPubSub) Close() error {
	if err := k.writer.Close(); err != nil {
		return err
	}
	return k.reader.Close()
}
