// Package console holds thin concrete wrappers that wire an evloop.Ctl and a
// tty.Tty to a real transport: a serial port or an SSH session.
package console

import (
	"time"

	"github.com/kstaniek/go-sut-driver/internal/evloop"
	"github.com/kstaniek/go-sut-driver/internal/tty"
	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability, same shape as the teacher's
// internal/serial.Port.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openSerialPort is a seam for tests.
var openSerialPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// SerialConfig names a serial device to connect to.
type SerialConfig struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// Serial is a console backed by a local serial port.
type Serial struct {
	*tty.Tty
	port Port
}

// DialSerial opens the device and spawns its event loop, wrapped in a Tty
// configured with setting.
func DialSerial(cfg SerialConfig, setting tty.Setting, logFile string) (*Serial, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 500 * time.Millisecond
	}
	port, err := openSerialPort(cfg.Device, cfg.Baud, readTimeout)
	if err != nil {
		return nil, err
	}
	ctl, err := evloop.Spawn(port, logFile, nil)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return &Serial{
		Tty:  tty.New(ctl, tty.ANSIDecoder{}, setting),
		port: port,
	}, nil
}

// Stop terminates the event loop and closes the underlying port.
func (s *Serial) Stop() {
	s.StopEvLoop()
	_ = s.port.Close()
}
