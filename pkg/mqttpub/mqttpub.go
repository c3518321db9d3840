// Package mqttpub forwards LIN frames to an MQTT broker.
package mqttpub

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/roffe/golin"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotConnected   = errors.New("mqtt not connected")
	ErrPublishTimeout = errors.New("publish timeout")
)

// Message is the msgpack payload published for every frame
type Message struct {
	Timestamp float64 `msgpack:"ts"`
	ID        uint8   `msgpack:"id"`
	Data      []byte  `msgpack:"data"`
	Checksum  *uint8  `msgpack:"checksum,omitempty"`
	Direction string  `msgpack:"dir"`
	Channel   string  `msgpack:"channel,omitempty"`
	Error     bool    `msgpack:"err,omitempty"`
}

func NewMessage(f golin.Frame) Message {
	m := Message{
		Timestamp: f.Timestamp(),
		ID:        f.ID(),
		Data:      f.Data(),
		Direction: f.Direction().String(),
		Channel:   f.Channel(),
		Error:     f.IsError(),
	}
	if cs, ok := f.Checksum(); ok {
		m.Checksum = &cs
	}
	return m
}

// client is the part of mqtt.Client the publisher uses
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Stats contains publisher statistics
type Stats struct {
	Published uint64
	Errors    uint64
}

// Publisher is a Listener that publishes each frame to <prefix>/<id>.
// A failed publish is logged and counted, it never ends delivery.
type Publisher struct {
	client  client
	prefix  string
	qos     byte
	timeout time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	stats Stats
	once  sync.Once
}

type Config struct {
	Broker   string
	ClientID string
	Prefix   string
	QoS      byte
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Connect dials the broker and returns a Publisher using the connection.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("no mqtt broker given")
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lintool-" + uuid.NewString()[:8]
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connection established", "broker", broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return newPublisher(c, cfg.Prefix, cfg.QoS, cfg.Timeout, log), nil
}

func newPublisher(c client, prefix string, qos byte, timeout time.Duration, log *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = "lin"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		client:  c,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		timeout: timeout,
		log:     log,
	}
}

// Topic returns the topic frames with id are published to
func (p *Publisher) Topic(id uint8) string {
	return fmt.Sprintf("%s/%02X", p.prefix, id)
}

func (p *Publisher) OnFrame(f golin.Frame) error {
	if err := p.publish(f); err != nil {
		p.mu.Lock()
		p.stats.Errors++
		first := p.stats.Errors == 1
		p.mu.Unlock()
		if first {
			p.log.Warn("mqtt publish failed", "id", f.ID(), "error", err)
		} else {
			p.log.Debug("mqtt publish failed", "id", f.ID(), "error", err)
		}
		return nil
	}
	p.mu.Lock()
	p.stats.Published++
	p.mu.Unlock()
	return nil
}

func (p *Publisher) publish(f golin.Frame) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := msgpack.Marshal(NewMessage(f))
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	token := p.client.Publish(p.Topic(f.ID()), p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (p *Publisher) OnError(error) bool {
	return false
}

// Stop disconnects from the broker
func (p *Publisher) Stop() {
	p.once.Do(func() {
		p.client.Disconnect(250)
		st := p.Stats()
		p.log.Info("mqtt disconnected", "published", st.Published, "errors", st.Errors)
	})
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
