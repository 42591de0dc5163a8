package publisher

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/pkg/utils"
)

// SaramaTransport sends through a sarama SyncProducer
type SaramaTransport struct {
	producer sarama.SyncProducer
}

// NewSaramaConfig returns the producer configuration used for the bus
func NewSaramaConfig(cfg *config.PublisherConfig) *sarama.Config {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Retry.Backoff = cfg.RetryBackoff
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	// SyncProducer requires both
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Version = sarama.V2_1_0_0
	return sc
}

// NewSaramaTransport connects a SyncProducer to the configured brokers
func NewSaramaTransport(cfg *config.PublisherConfig) (*SaramaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "No brokers configured", "")
	}
	p, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeConnection, "Failed to create sarama producer", err)
	}
	return NewSaramaTransportFromProducer(p), nil
}

// NewSaramaTransportFromProducer wraps an existing producer
func NewSaramaTransportFromProducer(p sarama.SyncProducer) *SaramaTransport {
	return &SaramaTransport{producer: p}
}

func (t *SaramaTransport) Name() string { return "sarama" }

// Send delivers msgs and waits for the broker acks. SyncProducer does not
// take a context, so ctx is only checked before sending.
func (t *SaramaTransport) Send(ctx context.Context, msgs []*Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, m := range msgs {
		headers := make([]sarama.RecordHeader, 0, len(m.Headers))
		for _, h := range m.Headers {
			headers = append(headers, sarama.RecordHeader{Key: []byte(h.Key), Value: []byte(h.Value)})
		}
		batch = append(batch, &sarama.ProducerMessage{
			Topic:     m.Topic,
			Key:       sarama.StringEncoder(m.Key),
			Value:     sarama.ByteEncoder(m.Value),
			Headers:   headers,
			Timestamp: m.Time,
		})
	}

	if err := t.producer.SendMessages(batch); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) && len(perrs) > 0 {
			err = perrs[0].Err
		}
		return utils.WrapError(utils.ErrCodeConnection, "Failed to send messages", err)
	}
	return nil
}

func (t *SaramaTransport) Close() error {
	return t.producer.Close()
}
