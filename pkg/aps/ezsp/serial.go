// Package ezsp is the concrete pkg/aps.Adapter backed by a Silicon Labs
// EZSP/ASH coordinator reached over a serial USB dongle, grounded on
// urmzd/homai/pkg/zigbee/{serial,ash,ezsp,controller}.go.
package ezsp

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
)

// SerialPort wraps a serial connection to the Zigbee USB dongle.
type SerialPort struct {
	port serial.Port
	mu   sync.Mutex
}

// defaultBaudRate is used when OpenSerial is called with baudRate <= 0.
const defaultBaudRate = 115200

// OpenSerial opens the serial port at the given baud, 8N1. Pass baudRate
// <= 0 to take the coordinator dongle's usual 115200.
func OpenSerial(portPath string, baudRate int) (*SerialPort, error) {
	if baudRate <= 0 {
		baudRate = defaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", aps.ErrOther, portPath, err)
	}

	// Silicon Labs EZSP dongles require RTS/CTS hardware flow control.
	if err := port.SetRTS(true); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: set RTS on %s: %v", aps.ErrOther, portPath, err)
	}

	log.Info().Str("port", portPath).Int("baud", baudRate).Msg("serial port opened")

	return &SerialPort{port: port}, nil
}

// Write sends raw bytes to the serial port.
func (s *SerialPort) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Write(data)
}

// Read reads raw bytes from the serial port.
func (s *SerialPort) Read(buf []byte) (int, error) {
	return s.port.Read(buf)
}

// Close closes the serial port.
func (s *SerialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

// ReadByte reads a single byte from the serial port.
func (s *SerialPort) ReadByte() (byte, error) {
	buf := make([]byte, 1)
	_, err := io.ReadFull(s.port, buf)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}
