package mqtt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sweeney/kiln-controller/internal/logic"
)

// Telemetry is not buffered: these report why a step was dropped.
var (
	ErrNotConnected = errors.New("mqtt: not connected")
	ErrQueueFull    = errors.New("mqtt: telemetry queue full")
)

const (
	bufferCapacity    = 256
	telemetryCapacity = 16
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
)

// RealPublisher publishes to an actual MQTT broker. None of its methods
// wait on the broker: events and system messages go through an ordered
// buffer that a background goroutine replays whenever the connection is
// up, and telemetry goes through a small queue of its own.
type RealPublisher struct {
	client paho.Client

	telemetry chan bufferedMsg
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	buffer        *ringBuffer
	connected     bool
	everConnected bool
	draining      bool
}

// NewRealPublisher starts connecting to the broker and returns immediately
// if it is not reachable; the client keeps retrying in the background.
func NewRealPublisher(broker, clientID string) *RealPublisher {
	p := newPublisher(nil)

	will, _ := FormatSystemPayload(SystemEvent{Event: "OFFLINE", Reason: "LWT"})
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		log.Printf("mqtt: broker %s not reachable yet, buffering until connected", broker)
	} else if err := token.Error(); err != nil {
		log.Printf("mqtt: connect to %s: %v", broker, err)
	}
	return p
}

func newPublisher(client paho.Client) *RealPublisher {
	p := &RealPublisher{
		client:    client,
		buffer:    newRingBuffer(bufferCapacity),
		telemetry: make(chan bufferedMsg, telemetryCapacity),
		done:      make(chan struct{}),
	}
	go p.sendTelemetry()
	return p
}

func (p *RealPublisher) onConnect(paho.Client) {
	p.mu.Lock()
	reconnect := p.everConnected
	p.connected = true
	p.everConnected = true
	if reconnect {
		// Replaces the retained OFFLINE will.
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		p.buffer.push(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: true})
	}
	start := !p.draining && p.buffer.len() > 0
	if start {
		p.draining = true
	}
	p.mu.Unlock()

	log.Printf("mqtt: connected")
	if start {
		go p.drain()
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	log.Printf("mqtt: connection lost: %v", err)
}

// drain replays buffered messages until the buffer is empty or a publish
// fails, in which case the rest is requeued for a later attempt.
func (p *RealPublisher) drain() {
	for {
		p.mu.Lock()
		if !p.connected {
			p.draining = false
			p.mu.Unlock()
			return
		}
		msgs := p.buffer.drainAll()
		if len(msgs) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		log.Printf("mqtt: replaying %d buffered messages", len(msgs))
		for i, m := range msgs {
			if err := p.publish(m); err != nil {
				log.Printf("mqtt: replay failed: %v", err)
				p.mu.Lock()
				p.buffer.requeue(msgs[i:])
				p.draining = false
				p.mu.Unlock()
				return
			}
		}
	}
}

// send queues m behind any older messages and wakes the drain goroutine
// when connected. It never blocks on the broker.
func (p *RealPublisher) send(m bufferedMsg) {
	p.mu.Lock()
	p.buffer.push(m)
	start := p.connected && !p.draining
	if start {
		p.draining = true
	}
	p.mu.Unlock()

	if start {
		go p.drain()
	}
}

// sendTelemetry publishes queued telemetry until Close.
func (p *RealPublisher) sendTelemetry() {
	for {
		select {
		case <-p.done:
			return
		case m := <-p.telemetry:
			if !p.IsConnected() {
				continue
			}
			if err := p.publish(m); err != nil {
				log.Printf("mqtt: telemetry: %v", err)
			}
		}
	}
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// Publish sends a firing event to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 1: a missed COMPLETE or ABORT matters.
	p.send(bufferedMsg{topic: Topic, payload: payload, qos: 1})
	return nil
}

// PublishTelemetry queues one regulator step. It is dropped while
// disconnected or when the queue is full.
func (p *RealPublisher) PublishTelemetry(t Telemetry) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	payload, err := FormatTelemetry(t)
	if err != nil {
		return fmt.Errorf("format telemetry: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	select {
	case p.telemetry <- bufferedMsg{topic: TopicTelemetry, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	p.send(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Close stops the telemetry sender and disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	if n := p.buffer.len(); n > 0 {
		log.Printf("mqtt: closing with %d unsent messages", n)
	}
	p.mu.Unlock()
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
