// internal/adapter/mqtt/ingest.go

// Package mqtt ingests client location refreshes published to an MQTT
// broker. Topic access control belongs to the broker: a client may only
// publish on its own profile topic.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
)

// LocationUpdater applies a location refresh for a caller
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, caller discovery.Caller, pos geo.Position) (*entity.Profile, error)
}

// Config contains configuration for the ingester
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string // location updates arrive on <prefix>/<profileID>
	QoS            byte
	ConnectTimeout time.Duration
	HandleTimeout  time.Duration
}

// DefaultConfig returns the default ingester settings
func DefaultConfig() Config {
	return Config{
		ClientID:       "spatialtag-ingest",
		TopicPrefix:    "spatialtag/location",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
		HandleTimeout:  5 * time.Second,
	}
}

// LocationMessage is the payload of a location refresh
type LocationMessage struct {
	Latitude           float64              `json:"latitude"`
	Longitude          float64              `json:"longitude"`
	Altitude           float64              `json:"altitude"`
	Local              *geo.LocalCoordinate `json:"local,omitempty"`
	HorizontalAccuracy float64              `json:"horizontal_accuracy"`
	VerticalAccuracy   float64              `json:"vertical_accuracy"`
	RecordedAt         time.Time            `json:"recorded_at"`
}

// Ingester subscribes to location topics and forwards refreshes
type Ingester struct {
	updater LocationUpdater
	config  Config
	logger  *zap.Logger
	client  pahomqtt.Client
}

// NewIngester creates a new ingester
func NewIngester(updater LocationUpdater, config Config, logger *zap.Logger) *Ingester {
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultConfig().TopicPrefix
	}
	if config.HandleTimeout <= 0 {
		config.HandleTimeout = DefaultConfig().HandleTimeout
	}
	return &Ingester{
		updater: updater,
		config:  config,
		logger:  logger.Named("mqtt"),
	}
}

// Start connects to the broker and subscribes to location topics
func (i *Ingester) Start() error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(i.config.BrokerURL).
		SetClientID(i.config.ClientID).
		SetUsername(i.config.Username).
		SetPassword(i.config.Password).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectTimeout(i.config.ConnectTimeout)

	topic := i.config.TopicPrefix + "/+"
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		// Resubscribe after every reconnect
		token := c.Subscribe(topic, i.config.QoS, i.onMessage)
		if token.Wait() && token.Error() != nil {
			i.logger.Error("error subscribing to location topic", zap.String("topic", topic), zap.Error(token.Error()))
			return
		}
		i.logger.Info("subscribed to location topic", zap.String("topic", topic))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		i.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	i.client = pahomqtt.NewClient(opts)
	token := i.client.Connect()
	if !token.WaitTimeout(i.config.ConnectTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", i.config.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error connecting to MQTT broker: %w", err)
	}
	return nil
}

// Stop disconnects from the broker
func (i *Ingester) Stop() {
	if i.client != nil && i.client.IsConnected() {
		i.client.Disconnect(250)
	}
}

func (i *Ingester) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), i.config.HandleTimeout)
	defer cancel()

	if err := i.Handle(ctx, msg.Topic(), msg.Payload()); err != nil {
		i.logger.Warn("dropping location update", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

// Handle decodes one location message and applies it
func (i *Ingester) Handle(ctx context.Context, topic string, payload []byte) error {
	profileID, ok := strings.CutPrefix(topic, i.config.TopicPrefix+"/")
	if !ok || profileID == "" || strings.Contains(profileID, "/") {
		return fmt.Errorf("unexpected topic %q", topic)
	}

	var m LocationMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("error decoding location message: %w", err)
	}
	opts := []geo.PositionOption{
		geo.WithAccuracy(m.HorizontalAccuracy, m.VerticalAccuracy),
		geo.WithRecordedAt(m.RecordedAt),
	}
	if m.Local != nil {
		opts = append(opts, geo.WithLocalFrame(m.Local.FrameID, m.Local.X, m.Local.Y, m.Local.Z))
	}
	pos, err := geo.NewPosition(m.Latitude, m.Longitude, m.Altitude, opts...)
	if err != nil {
		return err
	}

	// Status is left empty so the stored level is kept
	caller := discovery.Caller{ID: profileID}
	if _, err := i.updater.UpdateLocation(ctx, caller, pos); err != nil {
		return fmt.Errorf("error updating location: %w", err)
	}
	return nil
}
