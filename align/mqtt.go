package align

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Request asks a running service to align two clouds. Source and Target are
// local paths or http(s) URLs.
type Request struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// RequestHandler is called for every alignment request received over MQTT.
type RequestHandler func(req Request)

// MQTTClient manages the broker connection used to publish results and,
// in service mode, to receive alignment requests.
type MQTTClient struct {
	client         mqtt.Client
	config         MQTTConfig
	requestHandler RequestHandler
	isConnected    bool
	mu             sync.RWMutex
}

// NewMQTTClient builds a client from config. It returns nil, nil when no
// broker is configured, which callers treat as MQTT disabled.
func NewMQTTClient(config MQTTConfig, handler RequestHandler) (*MQTTClient, error) {
	if config.Broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil, nil
	}
	if config.PublishPrefix == "" {
		return nil, errors.New("MQTT enabled but publishPrefix is empty")
	}

	c := &MQTTClient{
		config:         config,
		requestHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	clientID := config.ClientID
	if clientID == "" {
		clientID = "rayalign"
	}
	opts.SetClientID(clientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// newMQTTClientWithMock wraps a provided mqtt.Client; used with MockClient.
func newMQTTClientWithMock(client mqtt.Client, config MQTTConfig, handler RequestHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		requestHandler: handler,
	}
}

// Connect dials the broker with exponential backoff until it succeeds or
// ctx is done.
func (c *MQTTClient) Connect(ctx context.Context) error {
	retryDelay := 1 * time.Second
	maxRetryDelay := 30 * time.Second

	for {
		log.Printf("Connecting to MQTT broker %s...", c.config.Broker)
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return nil
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to %s: %w", c.config.Broker, ctx.Err())
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// RequestTopic is where alignment requests are received.
func (c *MQTTClient) RequestTopic() string {
	return c.config.PublishPrefix + "/request"
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	c.subscribeRequests(client)
}

// subscribeRequests is a no-op without a request handler.
func (c *MQTTClient) subscribeRequests(client mqtt.Client) {
	if c.requestHandler == nil {
		return
	}
	topic := c.RequestTopic()
	log.Printf("Subscribing to %s for alignment requests", topic)
	token := client.Subscribe(topic, 1, c.handleRequest)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// handleRequest accepts a JSON Request or a plain "source target" pair.
func (c *MQTTClient) handleRequest(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("Received alignment request (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

	req, err := parseRequest(payload)
	if err != nil {
		log.Printf("Ignoring alignment request: %v", err)
		return
	}
	c.requestHandler(req)
}

func parseRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		fields := strings.Fields(string(payload))
		if len(fields) != 2 {
			return Request{}, fmt.Errorf("payload is neither JSON nor \"source target\": %q", payload)
		}
		req = Request{Source: fields[0], Target: fields[1]}
	}
	if req.Source == "" || req.Target == "" {
		return Request{}, errors.New("request needs both source and target")
	}
	return req, nil
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying MQTT client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}
