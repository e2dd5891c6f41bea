package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// ExchangeGenerationProgress - fanout exchange с событиями прогресса генерации.
	ExchangeGenerationProgress = "generation_progress"
)

// RabbitMQProgressPublisher публикует события прогресса в fanout exchange.
type RabbitMQProgressPublisher struct {
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

var _ interfaces.ProgressSink = (*RabbitMQProgressPublisher)(nil)

// NewRabbitMQProgressPublisher открывает канал и объявляет exchange.
// Соединение управляется внешним кодом.
func NewRabbitMQProgressPublisher(conn *amqp.Connection, exchange string, logger *zap.Logger) (*RabbitMQProgressPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	if exchange == "" {
		exchange = ExchangeGenerationProgress
	}
	log := logger.Named("ProgressPublisher")

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchange, err)
	}
	log.Info("Progress exchange declared", zap.String("exchange", exchange))

	return &RabbitMQProgressPublisher{ch: ch, exchange: exchange, logger: log}, nil
}

// Publish отправляет событие. Ошибка только логируется вызывающей стороной.
func (p *RabbitMQProgressPublisher) Publish(ctx context.Context, event models.ProgressEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		"",         // routing key (не используется для fanout)
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   event.Timestamp,
			AppId:       "resume-server",
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}

	p.logger.Debug("Progress event published",
		zap.String("taskID", event.TaskID.String()),
		zap.String("taskStatus", string(event.TaskStatus)),
		zap.String("phase", string(event.Phase)),
	)
	return nil
}

// Close закрывает канал RabbitMQ.
func (p *RabbitMQProgressPublisher) Close() error {
	if p.ch != nil {
		return p.ch.Close()
	}
	return nil
}

// LogSink пишет события в лог. Используется, когда брокер не настроен.
type LogSink struct {
	logger *zap.Logger
}

var _ interfaces.ProgressSink = (*LogSink)(nil)

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("Progress")}
}

func (s *LogSink) Publish(_ context.Context, event models.ProgressEvent) error {
	fields := []zap.Field{
		zap.String("taskID", event.TaskID.String()),
		zap.String("userID", event.UserID),
		zap.String("taskStatus", string(event.TaskStatus)),
		zap.Int("completedOffers", event.CompletedOffers),
		zap.Int("totalOffers", event.TotalOffers),
	}
	if event.OfferID != nil {
		fields = append(fields, zap.String("offerID", event.OfferID.String()), zap.String("offerStatus", string(event.OfferStatus)))
	}
	if event.Phase != "" {
		fields = append(fields, zap.String("phase", string(event.Phase)), zap.String("subtaskStatus", string(event.SubtaskStatus)))
	}
	s.logger.Info("Generation progress", fields...)
	return nil
}
