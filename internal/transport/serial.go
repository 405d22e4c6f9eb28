package transport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial is a Transport over a serial port (USB CDC ACM or a real UART).
type Serial struct {
	port serial.Port

	// go.bug.st exposes the read timeout as port state, not per call.
	mu          sync.Mutex
	readTimeout time.Duration
}

// OpenSerial opens the NCP serial port in 8N1 mode.
func OpenSerial(portName string, baudRate int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS so the NCP firmware sees a host.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return &Serial{port: port, readTimeout: -1}, nil
}

func (s *Serial) Send(p []byte, _ time.Duration) (int, error) {
	total := 0
	for total < len(p) {
		n, err := s.port.Write(p[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("transport: serial write: %w", err)
		}
	}
	return total, nil
}

func (s *Serial) Receive(p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	if timeout != s.readTimeout {
		if err := s.port.SetReadTimeout(timeout); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("transport: set read timeout: %w", err)
		}
		s.readTimeout = timeout
	}
	s.mu.Unlock()

	// Read returns 0, nil on timeout with a read timeout set.
	n, err := s.port.Read(p)
	if err != nil {
		return n, fmt.Errorf("transport: serial read: %w", err)
	}
	return n, nil
}

func (s *Serial) Close() error {
	return s.port.Close()
}
