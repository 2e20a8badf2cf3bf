// Package events publishes detection events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/genomic-intake-server/internal/domain"
)

// Publisher emits one event per detection report.
type Publisher interface {
	PublishDetection(ctx context.Context, report *domain.DetectionReport) error
	Close() error
}

// DetectionEvent is the JSON body of a published detection
type DetectionEvent struct {
	EventID     string    `json:"event_id"`
	PatientID   int64     `json:"patient_id"`
	DiseaseID   string    `json:"disease_id"`
	Severity    int       `json:"severity"`
	DetectedAt  time.Time `json:"detected_at"`
	Description string    `json:"description"`
}

// KafkaPublisher sends detection events through an asynchronous producer.
// Delivery failures are logged; they never fail the originating request.
type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *logrus.Logger
	wg       sync.WaitGroup
}

// NewKafkaPublisher connects an async producer to cfg.Brokers
func NewKafkaPublisher(cfg domain.EventsConfig, logger *logrus.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer
func NewKafkaPublisherWithProducer(producer sarama.AsyncProducer, topic string, logger *logrus.Logger) *KafkaPublisher {
	p := &KafkaPublisher{producer: producer, topic: topic, logger: logger}
	p.wg.Add(1)
	go p.drainErrors()
	return p
}

func (p *KafkaPublisher) drainErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		p.logger.WithError(perr.Err).WithField("topic", perr.Msg.Topic).Error("Failed to publish detection event")
	}
}

// PublishDetection queues report for delivery keyed by patient id, so all
// events of one patient land on the same partition.
func (p *KafkaPublisher) PublishDetection(ctx context.Context, report *domain.DetectionReport) error {
	data, err := json.Marshal(DetectionEvent{
		EventID:     uuid.New().String(),
		PatientID:   report.PatientID,
		DiseaseID:   report.DiseaseID,
		Severity:    report.Severity,
		DetectedAt:  report.DetectedAt,
		Description: report.Description,
	})
	if err != nil {
		return fmt.Errorf("failed to encode detection event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(report.PatientID, 10)),
		Value: sarama.ByteEncoder(data),
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes buffered messages and stops the producer.
func (p *KafkaPublisher) Close() error {
	err := p.producer.Close()
	p.wg.Wait()
	return err
}

// NopPublisher discards events; used when the event stream is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishDetection(context.Context, *domain.DetectionReport) error { return nil }

func (NopPublisher) Close() error { return nil }

// Open returns a Kafka publisher when events are enabled, otherwise a NopPublisher.
func Open(cfg domain.EventsConfig, logger *logrus.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return NopPublisher{}, nil
	}
	return NewKafkaPublisher(cfg, logger)
}
