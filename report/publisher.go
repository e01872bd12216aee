package report

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/tudoalign/icp"
)

// Publisher sends run summaries and labelled clouds to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        *Summary
	mu            sync.RWMutex
}

// NewPublisher creates a publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "tudoalign"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
	}
}

// Prefix returns the topic prefix.
func (p *Publisher) Prefix() string { return p.publishPrefix }

// SetQoS sets the publish QoS (0, 1 or 2).
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether the broker retains published messages.
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// PublishSummary sends s to <prefix>/runs/<id> and <prefix>/latest.
func (p *Publisher) PublishSummary(s Summary) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	latest := s
	p.latest = &latest
	p.mu.Unlock()

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	for _, topic := range []string{
		fmt.Sprintf("%s/runs/%s", p.publishPrefix, s.RunID),
		fmt.Sprintf("%s/latest", p.publishPrefix),
	} {
		if err := p.publish(topic, payload); err != nil {
			log.Printf("Error publishing summary for run %s: %v", s.RunID, err)
			return err
		}
	}

	log.Printf("Published run %s: %s after %d iterations, residual=%.3g",
		s.RunID, s.Status, s.Iterations, s.Residual)
	return nil
}

// cloudMessage is the payload of one labelled cloud.
type cloudMessage struct {
	RunID   string       `json:"runId"`
	Label   string       `json:"label"`
	Points  [][3]float64 `json:"points"`
	Normals [][3]float64 `json:"normals,omitempty"`
}

// PublishClouds sends every cloud to <prefix>/runs/<id>/clouds/<label>.
func (p *Publisher) PublishClouds(runID string, clouds []icp.LabeledCloud) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	for _, lc := range clouds {
		msg := cloudMessage{RunID: runID, Label: lc.Label}
		if lc.Cloud != nil {
			msg.Points = make([][3]float64, len(lc.Cloud.Points))
			for i, v := range lc.Cloud.Points {
				msg.Points[i] = [3]float64{v.X, v.Y, v.Z}
			}
			if lc.Cloud.HasNormals() {
				msg.Normals = make([][3]float64, len(lc.Cloud.Normals))
				for i, v := range lc.Cloud.Normals {
					msg.Normals[i] = [3]float64{v.X, v.Y, v.Z}
				}
			}
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshaling %s cloud: %w", lc.Label, err)
		}
		topic := fmt.Sprintf("%s/runs/%s/clouds/%s", p.publishPrefix, runID, lc.Label)
		if err := p.publish(topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Latest returns a copy of the last summary handed to PublishSummary.
func (p *Publisher) Latest() (Summary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return Summary{}, false
	}
	return *p.latest, true
}
