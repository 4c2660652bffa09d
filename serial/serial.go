// Package serial opens and configures the physical serial device that
// connects the at or gsm packages to a modem. It is out of scope for the
// core channel, which only ever sees the resulting io.ReadWriter.
package serial

import (
	"errors"

	"github.com/tarm/serial"
)

// Config holds the parameters a device is opened with: the per-platform
// default (see serial_linux.go, serial_darwin.go, serial_windows.go)
// overridden by whichever Options the caller supplies.
type Config struct {
	port string
	baud int
}

// Option configures a Config built by New.
type Option func(*Config)

// WithPort overrides the device path.
func WithPort(port string) Option {
	return func(c *Config) { c.port = port }
}

// WithBaud overrides the baud rate. It must be one of the rates in 3GPP TS
// 27.007's known set; New rejects anything else before touching the
// device.
func WithBaud(baud int) Option {
	return func(c *Config) { c.baud = baud }
}

var validBauds = map[int]bool{
	0: true, 50: true, 75: true, 110: true, 134: true, 150: true,
	200: true, 300: true, 600: true, 1200: true, 1800: true, 2400: true,
	4800: true, 9600: true, 19200: true, 38400: true, 57600: true,
	115200: true, 230400: true, 460800: true, 500000: true, 576000: true,
	921600: true, 1000000: true, 1152000: true, 1500000: true,
	2000000: true, 2500000: true, 3000000: true, 3500000: true,
	4000000: true,
}

// New opens and configures the serial device described by opts, applied
// over the platform default port and baud rate.
func New(opts ...Option) (*serial.Port, error) {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if !validBauds[cfg.baud] {
		return nil, errors.New("Unrecognized baud rate")
	}
	return serial.OpenPort(&serial.Config{Name: cfg.port, Baud: cfg.baud})
}
