package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/grid-x/modbus"
)

// Sentinel register values thermocouple input modules use for an open or
// out-of-range probe.
const (
	registerOpen     = 0x7FFF
	registerUnderrun = 0x8000
)

// ModbusConfig describes a thermocouple input module on Modbus TCP.
type ModbusConfig struct {
	Address  string // host:port
	SlaveID  byte
	Register uint16 // input register holding tenths of a degree, signed
	Timeout  time.Duration
	Interval time.Duration
}

// registerReader is the subset of modbus.Client used here.
type registerReader interface {
	ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
}

// ModbusSensor polls one input register of a thermocouple module.
type ModbusSensor struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  registerReader
	cfg     ModbusConfig
	cache   *cache

	cancel context.CancelFunc
	done   chan struct{}
}

// DialModbus connects to the module and starts polling.
func DialModbus(ctx context.Context, cfg ModbusConfig) (*ModbusSensor, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}

	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.SlaveID = cfg.SlaveID
	handler.Timeout = cfg.Timeout
	handler.ProtocolRecoveryTimeout = 250 * time.Millisecond
	handler.LinkRecoveryTimeout = 5 * time.Second

	log.Printf("sensor: connecting to modbus %s (slave %d)", cfg.Address, cfg.SlaveID)
	if err := handler.Connect(ctx); err != nil {
		return nil, fmt.Errorf("modbus connect %s: %w", cfg.Address, err)
	}

	m := newModbusSensor(modbus.NewClient(handler), cfg, time.Now)
	m.handler = handler
	return m, nil
}

func newModbusSensor(client registerReader, cfg ModbusConfig, now func() time.Time) *ModbusSensor {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &ModbusSensor{
		client: client,
		cfg:    cfg,
		// Three missed polls make the reading stale.
		cache:  newCache(3*cfg.Interval+cfg.Timeout, now),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.poll(ctx)
	return m
}

// Read returns the latest polled value.
func (m *ModbusSensor) Read() Reading {
	return m.cache.load()
}

// Close stops polling and closes the connection.
func (m *ModbusSensor) Close() error {
	m.cancel()
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		return m.handler.Close()
	}
	return nil
}

func (m *ModbusSensor) poll(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *ModbusSensor) pollOnce(ctx context.Context) {
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.mu.Lock()
	data, err := m.client.ReadInputRegisters(rctx, m.cfg.Register, 1)
	m.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("sensor: modbus read failed: %v", err)
		}
		// Keep the last value until it goes stale; a single timeout is
		// not a probe fault.
		return
	}

	temp, err := decodeTenths(data)
	if err != nil {
		m.cache.fail(err)
		return
	}
	m.cache.store(Reading{Celsius: temp})
}

// decodeTenths converts one big-endian signed register in tenths of a
// degree.
func decodeTenths(data []byte) (float64, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("short register response: %d bytes", len(data))
	}
	raw := binary.BigEndian.Uint16(data)
	if raw == registerOpen || raw == registerUnderrun {
		return 0, ErrThermocouple
	}
	return float64(int16(raw)) / 10, nil
}
