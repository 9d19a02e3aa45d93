package hotspot

import (
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IncidentHandler receives incidents decoded from one MQTT message, or the
// decode error
type IncidentHandler func(topic string, incidents []Incident, err error)

// IncidentSubscriber consumes incident messages from the broker
type IncidentSubscriber struct {
	client      mqtt.Client
	topic       string
	handler     IncidentHandler
	isConnected bool
	mu          sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewIncidentSubscriber builds a subscriber for cfg. It returns nil, nil
// when no broker is configured. Call Start to connect.
func NewIncidentSubscriber(cfg MQTTConfig, handler IncidentHandler) (*IncidentSubscriber, error) {
	if cfg.Broker == "" {
		log.Println("[MQTT] disabled: no broker configured")
		return nil, nil
	}

	s := &IncidentSubscriber{
		topic:   cfg.IncidentTopic,
		handler: handler,
		stop:    make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "hotmesh"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep the subscription across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// newIncidentSubscriberWithClient wires a subscriber to an existing client
func newIncidentSubscriberWithClient(client mqtt.Client, topic string, handler IncidentHandler) *IncidentSubscriber {
	return &IncidentSubscriber{
		client:  client,
		topic:   topic,
		handler: handler,
		stop:    make(chan struct{}),
	}
}

// Start connects in the background, retrying until Disconnect is called
func (s *IncidentSubscriber) Start() {
	go s.connectWithRetry()
}

func (s *IncidentSubscriber) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		log.Println("[MQTT] connecting to broker...")
		token := s.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected")
				s.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v...", retryDelay)
		select {
		case <-s.stop:
			return
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

func (s *IncidentSubscriber) onConnect(client mqtt.Client) {
	s.setConnected(true)
	log.Printf("[MQTT] subscribing to %s", s.topic)
	token := client.Subscribe(s.topic, 1, s.createMessageHandler())
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] error subscribing to %s: %v", s.topic, token.Error())
		return
	}
	log.Printf("[MQTT] subscribed to %s", s.topic)
}

func (s *IncidentSubscriber) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	s.setConnected(false)
}

func (s *IncidentSubscriber) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

func (s *IncidentSubscriber) createMessageHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		incidents, err := ParseIncidentsJSON(payload)
		if err != nil {
			log.Printf("[MQTT] dropping message on %s (%d bytes): %v", msg.Topic(), len(payload), err)
		}
		if s.handler != nil {
			s.handler(msg.Topic(), incidents, err)
		}
	}
}

func (s *IncidentSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected
}

func (s *IncidentSubscriber) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isConnected = connected
}

// Disconnect stops connection retries and closes the broker connection
func (s *IncidentSubscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.client != nil && s.client.IsConnected() {
		log.Println("[MQTT] disconnecting from broker...")
		s.client.Disconnect(250)
	}
	s.setConnected(false)
}

// GetClient returns the underlying client so a Publisher can share it
func (s *IncidentSubscriber) GetClient() mqtt.Client {
	return s.client
}
