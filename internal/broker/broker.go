// Package broker runs an in-process MQTT broker for single-machine installs
// where recognizers and coachline share a host.
package broker

import (
	"fmt"
	"log/slog"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

// Broker is an embedded mochi MQTT server with one TCP listener.
type Broker struct {
	server *mqtt.Server
	addr   string
	log    zerolog.Logger
}

// Start binds addr and begins serving. All clients are allowed; the broker is
// meant to listen on loopback.
func Start(addr string, log zerolog.Logger) (*Broker, error) {
	log = log.With().Str("component", "broker").Logger()

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		// mochi logs through slog; route its warnings into our logger.
		Logger: slog.New(slog.NewTextHandler(log, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "coachline", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := server.Serve(); err != nil {
		return nil, fmt.Errorf("serve: %w", err)
	}

	log.Info().Str("addr", addr).Msg("embedded mqtt broker started")
	return &Broker{server: server, addr: addr, log: log}, nil
}

// Publish injects a message through the inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 1)
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	return b.server.Clients.Len()
}

func (b *Broker) Close() error {
	b.log.Info().Msg("stopping embedded mqtt broker")
	return b.server.Close()
}
