// Package mqtt implements the MQTT protocol driver for telemetry ingestion.
//
// The driver subscribes to one or more topics, decodes each message into a
// canonical data point, and derives a fallback asset code from the topic
// path when the payload itself carries none. Broker callbacks run on the
// paho client's thread; a bounded queue bridges them onto the adapter's
// ingest loop so delivery order is preserved.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/siteflux/ingest/config"
	"github.com/siteflux/ingest/datapoint"
	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/pkg/buffer"
)

// Config holds MQTT driver settings.
type Config struct {
	BrokerURL      string        `yaml:"broker_url"`
	Topics         []string      `yaml:"topics"`
	ClientID       string        `yaml:"client_id"`
	QoS            byte          `yaml:"qos"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	CleanSession   *bool         `yaml:"clean_session"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QueueSize      int           `yaml:"queue_size"`
}

// Validate checks the configuration, returning all findings at once.
func (c Config) Validate() config.Issues {
	var issues config.Issues
	if c.BrokerURL == "" {
		issues.Errorf("broker_url", "broker URL is required")
	} else if !strings.Contains(c.BrokerURL, "://") {
		issues.Errorf("broker_url", "must include a scheme (tcp://, ssl://, ws://), got %q", c.BrokerURL)
	}
	if len(c.Topics) == 0 {
		issues.Errorf("topics", "at least one topic is required")
	}
	for i, topic := range c.Topics {
		if topic == "" {
			issues.Errorf(fmt.Sprintf("topics[%d]", i), "topic must not be empty")
		}
	}
	if c.QoS > 2 {
		issues.Errorf("qos", "must be 0, 1, or 2, got %d", c.QoS)
	}
	if c.Username == "" && c.Password != "" {
		issues.Warnf("username", "password set without username")
	}
	return issues
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("ingest-%d", time.Now().UnixNano())
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 5000
	}
	return c
}

// rawMessage carries one broker message from the paho callback thread.
type rawMessage struct {
	topic   string
	payload []byte
}

// Driver is the MQTT protocol driver.
type Driver struct {
	name   string
	config Config
	source string

	mu     sync.Mutex
	client pahomqtt.Client

	queue *buffer.Queue[rawMessage]
	lost  chan error
}

// New creates an MQTT driver. Defaults are applied here; validation happens
// when the driver is handed to an adapter runner.
func New(name string, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		name:   name,
		config: cfg,
		source: fmt.Sprintf("mqtt:%s", name),
		queue:  buffer.New[rawMessage](cfg.QueueSize, buffer.DropOldest),
		lost:   make(chan error, 1),
	}
}

// Protocol returns "mqtt".
func (d *Driver) Protocol() string { return "mqtt" }

// ValidateConfig implements the driver contract.
func (d *Driver) ValidateConfig() config.Issues { return d.config.Validate() }

// Connect dials the broker and subscribes to the configured topics.
// The paho automatic reconnect is disabled; the adapter runner owns
// reconnection so that every adapter behaves the same way.
func (d *Driver) Connect(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(d.config.BrokerURL).
		SetClientID(d.config.ClientID).
		SetKeepAlive(d.config.KeepAlive).
		SetConnectTimeout(d.config.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			select {
			case d.lost <- errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"mqtt", "connectionLost", "broker session"):
			default:
			}
		})
	if d.config.Username != "" {
		opts.SetUsername(d.config.Username)
		opts.SetPassword(d.config.Password)
	}
	if d.config.CleanSession != nil {
		opts.SetCleanSession(*d.config.CleanSession)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(d.config.ConnectTimeout) {
		return errors.WrapTransient(
			fmt.Errorf("%w: connect to %s timed out", errors.ErrConnectionTimeout, d.config.BrokerURL),
			"mqtt", "Connect", "broker dial")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			"mqtt", "Connect", "broker dial")
	}

	for _, topic := range d.config.Topics {
		sub := client.Subscribe(topic, d.config.QoS, d.handleMessage)
		if !sub.WaitTimeout(d.config.ConnectTimeout) || sub.Error() != nil {
			client.Disconnect(250)
			err := sub.Error()
			if err == nil {
				err = errors.ErrConnectionTimeout
			}
			return errors.WrapTransient(
				fmt.Errorf("subscribe to %q: %w", topic, err),
				"mqtt", "Connect", "topic subscription")
		}
	}

	// Drain a stale lost signal from a previous session.
	select {
	case <-d.lost:
	default:
	}

	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	return nil
}

// handleMessage runs on the paho callback thread and must not block on the
// ingest loop.
func (d *Driver) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	_ = d.queue.Put(rawMessage{topic: msg.Topic(), payload: payload})
}

// Next returns the next decoded data point, a transient error when the
// broker session drops, or the context error on cancellation.
func (d *Driver) Next(ctx context.Context) (*datapoint.DataPoint, error) {
	for {
		select {
		case err := <-d.lost:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msg, err := d.queue.Get(ctx, 100*time.Millisecond)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, err
		}

		dp, err := datapoint.Decode(msg.payload, d.source, assetFromTopic(msg.topic))
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("topic %s: %w", msg.topic, err),
				"mqtt", "Next", "payload decoding")
		}
		return dp, nil
	}
}

// Disconnect ends the broker session. Safe to call in any state.
func (d *Driver) Disconnect(_ context.Context) error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}

// genericSegments are topic path segments that name the payload kind rather
// than the device, and are skipped when deriving an asset code.
var genericSegments = map[string]struct{}{
	"data": {}, "raw": {}, "json": {}, "telemetry": {}, "up": {}, "msg": {},
}

// assetFromTopic derives a fallback asset code from the topic path: the last
// segment that is not a generic payload-kind word.
func assetFromTopic(topic string) string {
	segments := strings.Split(topic, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg == "" {
			continue
		}
		if _, generic := genericSegments[strings.ToLower(seg)]; generic {
			continue
		}
		return seg
	}
	return ""
}
