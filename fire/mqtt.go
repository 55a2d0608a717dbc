package fire

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RequestHandler is called with the fire ID received on the request topic.
type RequestHandler func(fireID string)

// MQTTClient manages the broker connection used to publish reconstructions
// and to receive republish requests.
type MQTTClient struct {
	client         mqtt.Client
	config         MQTTConfig
	requestHandler RequestHandler
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT connects to the configured broker in the background. With no
// broker configured MQTT is disabled and it returns nil, nil.
func InitMQTT(ctx context.Context, config *Config, handler RequestHandler) (*MQTTClient, error) {
	if config == nil {
		return nil, fmt.Errorf("MQTT init: nil config")
	}
	if config.MQTT.Broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil, nil
	}

	client := &MQTTClient{
		config:         config.MQTT,
		requestHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = "firemesh"
	}
	opts.SetClientID(clientID)

	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry(ctx)

	return client, nil
}

// connectWithRetry attempts to connect with exponential backoff until it
// succeeds or ctx is cancelled.
func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			log.Println("MQTT connect abandoned:", ctx.Err())
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// RequestTopic is the topic on which a fire ID payload asks for that fire's
// results to be republished.
func (c *MQTTClient) RequestTopic() string {
	return requestTopic(c.config.PublishPrefix)
}

func requestTopic(prefix string) string {
	return prefix + "/request"
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	if c.requestHandler == nil {
		log.Println("MQTT connected")
		return
	}

	topic := c.RequestTopic()
	log.Printf("MQTT connected, subscribing to %s", topic)
	token := client.Subscribe(topic, 0, c.handleRequest)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
	} else {
		log.Printf("Successfully subscribed to %s", topic)
	}
}

// onConnectionLost is called when the connection drops; auto-reconnect is
// enabled so this is usually transient.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

func (c *MQTTClient) handleRequest(client mqtt.Client, msg mqtt.Message) {
	fireID := strings.Trim(strings.TrimSpace(string(msg.Payload())), `"`)
	if fireID == "" {
		log.Printf("Empty republish request on %s, skipping", msg.Topic())
		return
	}
	log.Printf("Republish requested for %s", fireID)
	c.requestHandler(fireID)
}

// IsConnected returns true if the client is connected.
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

// Disconnect closes the connection with a short quiesce period.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying client for publishing.
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps a provided client, for tests.
func newMQTTClientWithMock(client mqtt.Client, config MQTTConfig, handler RequestHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		requestHandler: handler,
	}
}
