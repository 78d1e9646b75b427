package sensor

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the rate of the thermocouple bridge board.
const DefaultBaudRate = 115200

// SerialSensor reads a thermocouple converter board that prints one
// temperature per line, e.g. "23.75", "T:23.75" or "FAULT OPEN".
type SerialSensor struct {
	conn  io.ReadCloser
	cache *cache
	done  chan struct{}
}

// OpenSerial opens the named port and starts reading lines.
// Readings older than maxAge are reported as stale; zero disables the check.
func OpenSerial(name string, baudRate int, maxAge time.Duration) (*SerialSensor, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	log.Printf("sensor: serial %s opened at %d baud", name, baudRate)
	return newSerialSensor(port, maxAge, time.Now), nil
}

func newSerialSensor(conn io.ReadCloser, maxAge time.Duration, now func() time.Time) *SerialSensor {
	s := &SerialSensor{
		conn:  conn,
		cache: newCache(maxAge, now),
		done:  make(chan struct{}),
	}
	go s.readLines()
	return s
}

// Read returns the latest line parsed.
func (s *SerialSensor) Read() Reading {
	return s.cache.load()
}

// Close closes the port and waits for the reader goroutine to exit.
func (s *SerialSensor) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *SerialSensor) readLines() {
	defer close(s.done)

	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		temp, err := parseLine(line)
		if err != nil {
			if err == ErrThermocouple {
				s.cache.fail(err)
				continue
			}
			log.Printf("sensor: failed to parse line %q: %v", line, err)
			continue
		}
		s.cache.store(Reading{Celsius: temp})
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Printf("sensor: serial read stopped: %v", err)
	}
	s.cache.fail(io.ErrUnexpectedEOF)
}

// parseLine extracts the temperature from one line of bridge output.
func parseLine(line string) (float64, error) {
	upper := strings.ToUpper(line)
	if strings.HasPrefix(upper, "FAULT") || strings.HasPrefix(upper, "ERR") {
		return 0, ErrThermocouple
	}
	for _, prefix := range []string{"T:", "T=", "TEMP:", "TEMP="} {
		if strings.HasPrefix(upper, prefix) {
			line = strings.TrimSpace(line[len(prefix):])
			break
		}
	}
	temp, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid temperature: %w", err)
	}
	return temp, nil
}
