package fire

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/paulmach/orb/geojson"
)

// ResultMessage is the JSON payload published for one reconstruction.
type ResultMessage struct {
	FireID    string            `json:"fireId"`
	WindowID  int               `json:"windowId"`
	NPoints   int               `json:"nPoints"`
	Timestamp time.Time         `json:"timestamp"`
	AreaKm2   float64           `json:"areaKm2"`
	Geometry  *geojson.Geometry `json:"geometry"`
}

// NewResultMessage converts a result; null results carry a null geometry.
func NewResultMessage(res Result) ResultMessage {
	msg := ResultMessage{
		FireID:    res.FireID,
		WindowID:  res.WindowID,
		NPoints:   res.NPoints,
		Timestamp: res.Timestamp.UTC(),
	}
	if !res.IsNull() {
		msg.Geometry = geojson.NewGeometry(res.Geometry)
		msg.AreaKm2 = Area(res.Geometry) / 1e6
	}
	return msg
}

// Publisher publishes reconstruction results to MQTT and remembers the
// latest result per fire.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        map[string]ResultMessage
	mu            sync.RWMutex
}

// NewPublisher creates a publisher. A nil client disables publishing but
// still tracks results.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "firemesh"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        false,
		latest:        make(map[string]ResultMessage),
	}
}

// ResultTopic returns the per-result topic: windows/{n} for progression
// results and final for final-shape results.
func (p *Publisher) ResultTopic(res Result) string {
	base := p.fireTopic(res.FireID)
	if res.WindowID == NoWindow {
		return base + "/final"
	}
	return base + "/windows/" + strconv.Itoa(res.WindowID)
}

// LatestTopic returns the retained topic holding a fire's newest result.
func (p *Publisher) LatestTopic(fireID string) string {
	return p.fireTopic(fireID) + "/latest"
}

// SummaryTopic returns the retained topic listing every published fire.
func (p *Publisher) SummaryTopic() string {
	return p.publishPrefix + "/summary"
}

func (p *Publisher) fireTopic(fireID string) string {
	return p.publishPrefix + "/" + topicSegment(fireID)
}

// topicSegment keeps a fire ID from introducing extra levels or wildcards.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// PublishResult publishes one result to its own topic and, retained, to the
// fire's latest topic.
func (p *Publisher) PublishResult(res Result) error {
	msg := NewResultMessage(res)

	p.mu.Lock()
	p.latest[res.FireID] = msg
	p.mu.Unlock()

	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := p.publish(p.ResultTopic(res), p.retain, payload); err != nil {
		return err
	}
	return p.publish(p.LatestTopic(res.FireID), true, payload)
}

// PublishFire publishes a fire's results in window order.
func (p *Publisher) PublishFire(fr FireReconstruction) error {
	for _, res := range fr.Results {
		if err := p.PublishResult(res); err != nil {
			log.Printf("Error publishing %s window %d: %v", fr.FireID, res.WindowID, err)
			return err
		}
	}
	log.Printf("Published %d results for %s", len(fr.Results), fr.FireID)
	return nil
}

// PublishAll publishes every fire and then the summary. One fire failing
// does not stop the others.
func (p *Publisher) PublishAll(recs []FireReconstruction) error {
	var errs []error
	for _, fr := range recs {
		if err := p.PublishFire(fr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fr.FireID, err))
		}
	}
	if err := p.PublishSummary(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// summaryEntry is one fire in the summary payload.
type summaryEntry struct {
	FireID    string    `json:"fireId"`
	WindowID  int       `json:"windowId"`
	NPoints   int       `json:"nPoints"`
	AreaKm2   float64   `json:"areaKm2"`
	Null      bool      `json:"null"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishSummary publishes the latest state of every known fire, retained.
func (p *Publisher) PublishSummary() error {
	latest := p.LatestAll()
	if len(latest) == 0 {
		return nil
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	fires := make([]summaryEntry, 0, len(latest))
	for _, msg := range latest {
		fires = append(fires, summaryEntry{
			FireID:    msg.FireID,
			WindowID:  msg.WindowID,
			NPoints:   msg.NPoints,
			AreaKm2:   msg.AreaKm2,
			Null:      msg.Geometry == nil,
			Timestamp: msg.Timestamp,
		})
	}
	sort.Slice(fires, func(i, j int) bool { return fires[i].FireID < fires[j].FireID })

	payload, err := json.Marshal(map[string]interface{}{
		"fires":     fires,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	return p.publish(p.SummaryTopic(), true, payload)
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Latest returns the newest result message seen for a fire.
func (p *Publisher) Latest(fireID string) (ResultMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg, ok := p.latest[fireID]
	return msg, ok
}

// LatestAll returns a copy of the newest result per fire.
func (p *Publisher) LatestAll() map[string]ResultMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ResultMessage, len(p.latest))
	for id, msg := range p.latest {
		out[id] = msg
	}
	return out
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether per-result messages are retained. Latest and
// summary topics are always retained.
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
