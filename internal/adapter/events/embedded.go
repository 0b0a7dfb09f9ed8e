// internal/adapter/events/embedded.go

package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EmbeddedConfig contains configuration for an in-process NATS server
type EmbeddedConfig struct {
	Host         string
	Port         int // -1 picks a free port
	ReadyTimeout time.Duration
}

// Embedded is an in-process NATS server used when no external broker is
// configured, and in tests
type Embedded struct {
	server *server.Server
}

// StartEmbedded starts a NATS server and waits until it accepts connections
func StartEmbedded(config EmbeddedConfig, logger *zap.Logger) (*Embedded, error) {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 10 * time.Second
	}

	ns, err := server.NewServer(&server.Options{
		Host:   config.Host,
		Port:   config.Port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(config.ReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", config.ReadyTimeout)
	}

	logger.Info("embedded NATS server started", zap.String("url", ns.ClientURL()))
	return &Embedded{server: ns}, nil
}

// ClientURL returns the URL clients connect to
func (e *Embedded) ClientURL() string {
	return e.server.ClientURL()
}

// Shutdown stops the server and waits for it to exit
func (e *Embedded) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}

// Connect dials a NATS server with reconnects enabled, logging connection
// state changes
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("NATS error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to NATS: %w", err)
	}
	return nc, nil
}
