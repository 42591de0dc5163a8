// Package publisher delivers transactions, blocks and alerts to the outbound
// message bus at least once.
package publisher

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Header is a message header
type Header struct {
	Key   string
	Value string
}

// Message is one outbound record
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers []Header
	Time    time.Time
}

// Header returns the value of header key, or ""
func (m *Message) Header(key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Transport sends a batch of messages. A nil error means every message of
// the batch was acknowledged.
type Transport interface {
	Name() string
	Send(ctx context.Context, msgs []*Message) error
	Close() error
}

// TransportFactory builds a transport from configuration
type TransportFactory func(cfg *config.PublisherConfig) (Transport, error)

var transports = map[string]TransportFactory{
	"sarama":   func(cfg *config.PublisherConfig) (Transport, error) { return NewSaramaTransport(cfg) },
	"kafka-go": func(cfg *config.PublisherConfig) (Transport, error) { return NewKafkaGoTransport(cfg) },
	"log":      func(cfg *config.PublisherConfig) (Transport, error) { return NewLogTransport(), nil },
}

// Transports lists the registered transport names
func Transports() []string {
	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTransport creates the configured transport
func NewTransport(cfg *config.PublisherConfig) (Transport, error) {
	name := strings.ToLower(cfg.Transport)
	if name == "" {
		name = "sarama"
	}
	factory, ok := transports[name]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration,
			"Unsupported publisher transport",
			"Supported transports: "+strings.Join(Transports(), ", "))
	}
	return factory(cfg)
}

// LogTransport writes messages to the log instead of a broker
type LogTransport struct {
	logger *logrus.Entry
}

// NewLogTransport creates a log transport
func NewLogTransport() *LogTransport {
	return &LogTransport{logger: utils.WithComponent("publisher").WithField("transport", "log")}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, msgs []*Message) error {
	for _, m := range msgs {
		t.logger.WithFields(logrus.Fields{
			"topic":        m.Topic,
			"key":          m.Key,
			"message_type": m.Header(HeaderMessageType),
			"bytes":        len(m.Value),
		}).Debug("Message published")
	}
	return nil
}

func (t *LogTransport) Close() error { return nil }
