package hotspot

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher writes cluster reports to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *summaryMessage
	mu            sync.RWMutex
}

type summaryMessage struct {
	Summary
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewPublisher creates a report publisher. An empty prefix uses "hotmesh".
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "hotmesh"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true, // late subscribers get the current hotspots
	}
}

// Topic returns the full topic for a suffix under the publish prefix
func (p *Publisher) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
}

// PublishReport publishes the full report to <prefix>/clusters and its
// summary to <prefix>/summary
func (p *Publisher) PublishReport(sessionID string, rep *Report) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := p.publish(p.Topic("clusters"), payload); err != nil {
		log.Printf("[MQTT] error publishing clusters: %v", err)
		return err
	}

	msg := &summaryMessage{Summary: rep.Summary, SessionID: sessionID, Timestamp: time.Now().Unix()}
	payload, err = json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if err := p.publish(p.Topic("summary"), payload); err != nil {
		log.Printf("[MQTT] error publishing summary: %v", err)
		return err
	}

	p.mu.Lock()
	p.last = msg
	p.mu.Unlock()

	log.Printf("[MQTT] published %d clusters, %d outliers to %s",
		rep.Summary.TotalClusters, rep.Summary.TotalOutliers, p.Topic("clusters"))
	return nil
}

func (p *Publisher) publish(topic string, payload []byte) error {
	p.mu.RLock()
	qos, retain := p.qos, p.retain
	p.mu.RUnlock()

	token := p.client.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastSummary returns the most recently published summary
func (p *Publisher) LastSummary() (Summary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Summary{}, false
	}
	return p.last.Summary, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.mu.Lock()
		p.qos = qos
		p.mu.Unlock()
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.mu.Lock()
	p.retain = retain
	p.mu.Unlock()
}
