package publisher

import (
	"context"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageWriter is the part of kafka.Writer the transport uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaGoTransport sends through a segmentio kafka-go Writer. The writer is
// synchronous; batching happens in the publisher loop.
type KafkaGoTransport struct {
	writer MessageWriter
}

// NewKafkaGoTransport creates a writer for the configured brokers
func NewKafkaGoTransport(cfg *config.PublisherConfig) (*KafkaGoTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "No brokers configured", "")
	}
	logger := utils.WithComponent("publisher").WithField("transport", "kafka-go")
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		ErrorLogger:  kafka.LoggerFunc(logger.Errorf),
	}
	if cfg.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	logger.WithFields(logrus.Fields{"brokers": cfg.Brokers}).Info("Created kafka-go writer")
	return NewKafkaGoTransportFromWriter(w), nil
}

// NewKafkaGoTransportFromWriter wraps an existing writer
func NewKafkaGoTransportFromWriter(w MessageWriter) *KafkaGoTransport {
	return &KafkaGoTransport{writer: w}
}

func (t *KafkaGoTransport) Name() string { return "kafka-go" }

func (t *KafkaGoTransport) Send(ctx context.Context, msgs []*Message) error {
	batch := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		headers := make([]kafka.Header, 0, len(m.Headers))
		for _, h := range m.Headers {
			headers = append(headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
		}
		batch = append(batch, kafka.Message{
			Topic:   m.Topic,
			Key:     []byte(m.Key),
			Value:   m.Value,
			Headers: headers,
			Time:    m.Time,
		})
	}

	if err := t.writer.WriteMessages(ctx, batch...); err != nil {
		return utils.WrapError(utils.ErrCodeConnection, "Failed to write messages", err)
	}
	return nil
}

func (t *KafkaGoTransport) Close() error {
	return t.writer.Close()
}
