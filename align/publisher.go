package align

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ResultMessage is the payload published for each finished run.
type ResultMessage struct {
	RunID     string  `json:"runId"`
	Source    string  `json:"source,omitempty"`
	Target    string  `json:"target,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Publisher publishes alignment results to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *ResultMessage
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "rayalign"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true, // Retain for latest result
	}
}

// PublishResult sends msg to <prefix>/runs/<runId> and, retained, to
// <prefix>/result.
func (p *Publisher) PublishResult(msg *ResultMessage) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if err := p.publish(fmt.Sprintf("%s/runs/%s", p.publishPrefix, msg.RunID), false, payload); err != nil {
		return err
	}
	if err := p.publish(p.publishPrefix+"/result", p.retain, payload); err != nil {
		return err
	}

	p.mu.Lock()
	p.last = msg
	p.mu.Unlock()

	if msg.Result != nil {
		log.Printf("Published run %s: yaw=%.2f° t=(%.3f, %.3f, %.3f)",
			msg.RunID, msg.Result.AngleDegrees, msg.Result.Translation.X, msg.Result.Translation.Y, msg.Result.Translation.Z)
	} else {
		log.Printf("Published failed run %s: %s", msg.RunID, msg.Error)
	}
	return nil
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Last returns the most recently published message.
func (p *Publisher) Last() (*ResultMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.last != nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether the latest result is retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
