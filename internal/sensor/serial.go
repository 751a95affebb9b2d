package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultDevice is the UART the RFID reader is wired to on the Raspberry Pi.
const DefaultDevice = "/dev/ttyAMA0"

// Serial reads an RFID reader attached to a serial line at 9600 8N1.
type Serial struct {
	Device   string
	Watchdog *Watchdog
	Handler  Handler
	Logger   pslog.Logger
}

// Run opens the device and feeds reads into the watchdog until ctx ends. Open
// and read failures are reported to the handler as fatal.
func (s *Serial) Run(ctx context.Context) error {
	logger := svcfields.WithSubsystem(s.Logger, "sensor.serial")
	device := s.Device
	if device == "" {
		device = DefaultDevice
	}
	port, err := openPort(device)
	if err != nil {
		err = fmt.Errorf("sensor: open %s: %w", device, err)
		logger.Error("failed to open serial port", "device", device, "error", err)
		s.Handler.SensorError(err)
		return err
	}
	logger.Info("opened serial port", "device", device)

	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer func() {
		if stop() {
			_ = port.Close()
		}
		s.Watchdog.Stop()
	}()

	err = consume(port, s.Watchdog, logger)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	err = fmt.Errorf("sensor: read %s: %w", device, err)
	logger.Error("serial port failed", "device", device, "error", err)
	s.Handler.SensorError(err)
	return err
}

// consume reads until r fails. A chunk whose first byte is non-zero counts as
// one tag read.
func consume(r io.Reader, wd *Watchdog, logger pslog.Logger) error {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		if n > 0 && buf[0] != 0 {
			logger.Trace("serial data received", "bytes", n)
			wd.Read()
		}
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
