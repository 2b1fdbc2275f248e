package serialmux

import "io"

// SerialPorter is the part of a serial port the mux needs. Tests substitute
// an in-memory port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Opener opens the port at path. OpenPort is the hardware implementation.
type Opener func(path string, opts PortOptions) (SerialPorter, error)
