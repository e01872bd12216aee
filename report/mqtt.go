package report

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/tudoalign/icp"
)

// Connect dials the broker named in cfg and waits up to timeout for the
// session. An empty broker disables MQTT: Connect returns nil, nil.
func Connect(cfg icp.MQTTConfig, timeout time.Duration) (mqtt.Client, error) {
	if cfg.Broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tudoalign"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("Connected to MQTT broker %s", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	if err := connect(client, timeout); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

func connect(client mqtt.Client, timeout time.Duration) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}

// RunRequest asks the service for a new registration. Zero fields keep the
// service configuration.
type RunRequest struct {
	Algorithm     icp.Algorithm `json:"algorithm,omitempty"`
	SpatialIndex  *bool         `json:"spatialIndex,omitempty"`
	MaxIterations int           `json:"maxIterations,omitempty"`
	Seed          *int64        `json:"seed,omitempty"`
}

// Apply overlays the request on cfg and validates the result.
func (r RunRequest) Apply(cfg icp.Config) (icp.Config, error) {
	if r.Algorithm != "" {
		cfg.Algorithm = r.Algorithm
	}
	if r.SpatialIndex != nil {
		cfg.UseSpatialIndex = *r.SpatialIndex
	}
	if r.MaxIterations != 0 {
		cfg.MaxIterations = r.MaxIterations
	}
	if r.Seed != nil {
		cfg.Seed = *r.Seed
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RunHandler receives decoded run requests.
type RunHandler func(RunRequest)

// commandTopic is where run requests arrive.
func commandTopic(prefix string) string {
	return prefix + "/command/run"
}

// SubscribeRuns routes JSON run requests on <prefix>/command/run to handler.
// Malformed payloads are logged and dropped.
func SubscribeRuns(client mqtt.Client, prefix string, handler RunHandler) error {
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	topic := commandTopic(prefix)
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var req RunRequest
		if len(msg.Payload()) > 0 {
			if err := json.Unmarshal(msg.Payload(), &req); err != nil {
				log.Printf("Ignoring malformed run request on %s: %v", msg.Topic(), err)
				return
			}
		}
		handler(req)
	})
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}
	log.Printf("Subscribed to %s", topic)
	return nil
}
