package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenPort opens a hardware serial port.
func OpenPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux opens the hardware port at path and wraps it.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return Open(OpenPort, path, opts)
}

// Open opens path with opener and wraps the port.
func Open(opener Opener, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	port, err := opener(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
