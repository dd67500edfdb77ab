package mqttclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type MessageHandler func(topic string, payload []byte)

// Client wraps a paho connection and re-subscribes every registered filter
// after a reconnect.
type Client struct {
	conn      mqtt.Client
	connected atomic.Bool
	log       zerolog.Logger

	mu      sync.Mutex
	filters map[string]MessageHandler
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Log       zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		log:     opts.Log.With().Str("component", "mqtt").Logger(),
		filters: make(map[string]MessageHandler),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onUnrouted)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.BrokerURL, err)
	}

	return c, nil
}

// Subscribe registers handler for filter and subscribes at QoS 1.
func (c *Client) Subscribe(ctx context.Context, filter string, handler MessageHandler) error {
	c.mu.Lock()
	c.filters[filter] = handler
	c.mu.Unlock()

	if err := wait(ctx, c.conn.Subscribe(filter, 1, c.dispatch(handler))); err != nil {
		c.mu.Lock()
		delete(c.filters, filter)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Unsubscribe drops filter. Errors are logged; the handler is gone either way.
func (c *Client) Unsubscribe(filter string) {
	c.mu.Lock()
	delete(c.filters, filter)
	c.mu.Unlock()

	token := c.conn.Unsubscribe(filter)
	if !token.WaitTimeout(5 * time.Second) {
		c.log.Warn().Str("filter", filter).Msg("mqtt unsubscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		c.log.Warn().Err(err).Str("filter", filter).Msg("mqtt unsubscribe failed")
	}
}

// Publish sends payload at QoS 1 without retaining it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, c.conn.Publish(topic, 1, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dispatch(h MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)

	c.mu.Lock()
	filters := make(map[string]byte, len(c.filters))
	handlers := make(map[string]MessageHandler, len(c.filters))
	for f, h := range c.filters {
		filters[f] = 1
		handlers[f] = h
	}
	c.mu.Unlock()

	if len(filters) == 0 {
		c.log.Info().Msg("mqtt connected")
		return
	}
	c.log.Info().Int("filters", len(filters)).Msg("mqtt connected, resubscribing")
	for f, h := range handlers {
		client.AddRoute(f, c.dispatch(h))
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt resubscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onUnrouted(_ mqtt.Client, msg mqtt.Message) {
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("mqtt message without handler")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
