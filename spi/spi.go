// Package spi exposes an SPI port to sensor and device drivers: transfer
// configuration, blocking synchronous transfers, an automatic transfer engine
// that repeats a fixed transmit pattern on a timer or external trigger, and
// an accumulator that continuously samples a periodic device and maintains
// running statistics for sensor fusion.
package spi

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/motionworks/spidrv/buses"
)

// csHighFlag is ORed into the mode bits passed to the bus when the chip
// select line is configured active high (Linux SPI_CS_HIGH).
const csHighFlag = 0x4

// SPI is a facade over one physical SPI port. All exported methods are safe
// for concurrent use; the bus handle lock serializes the physical transfers
// themselves.
type SPI struct {
	port   Port
	bus    buses.Bus
	clock  clock.Clock
	logger golog.Logger

	// mu guards the transfer configuration, the banked manual receive bytes,
	// and the lifecycle of the auto engine and accumulator.
	mu           sync.Mutex
	clockHz      uint
	mode         Mode
	csActiveHigh bool
	banked       []byte

	auto  *autoEngine
	accum *accumulator
}

// New returns an SPI facade bound to the given port on the given bus.
func New(port Port, bus buses.Bus, logger golog.Logger) (*SPI, error) {
	return NewWithClock(port, bus, clock.New(), logger)
}

// NewWithClock is New with an injected time source. Timestamps, sampling
// tickers, and read timeouts all come from clk.
func NewWithClock(port Port, bus buses.Bus, clk clock.Clock, logger golog.Logger) (*SPI, error) {
	if !port.valid() {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown port %d", int(port))
	}
	return &SPI{
		port:    port,
		bus:     bus,
		clock:   clk,
		logger:  logger,
		clockHz: DefaultClockRate,
	}, nil
}

// Port returns the physical port this facade is bound to.
func (s *SPI) Port() Port {
	return s.port
}

// SetClockRate configures the rate of the generated clock signal in hertz.
// The default is 500,000Hz and the maximum is 4,000,000Hz.
func (s *SPI) SetClockRate(hz int) error {
	if hz <= 0 || hz > MaxClockRate {
		return errors.Wrapf(ErrInvalidConfig, "clock rate %d out of range (0, %d]", hz, MaxClockRate)
	}
	s.mu.Lock()
	s.clockHz = uint(hz)
	s.mu.Unlock()
	return nil
}

// SetMode sets the clock idle polarity and sample edge for the port.
func (s *SPI) SetMode(mode Mode) error {
	if mode < Mode0 || mode > Mode3 {
		return errors.Wrapf(ErrInvalidConfig, "unknown mode %d", int(mode))
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return nil
}

// SetChipSelectActiveHigh configures the chip select line to be active high.
func (s *SPI) SetChipSelectActiveHigh() {
	s.mu.Lock()
	s.csActiveHigh = true
	s.mu.Unlock()
}

// SetChipSelectActiveLow configures the chip select line to be active low.
// This is the default.
func (s *SPI) SetChipSelectActiveLow() {
	s.mu.Lock()
	s.csActiveHigh = false
	s.mu.Unlock()
}

// transfer performs one synchronous exchange under the bus handle lock using
// the current transfer configuration.
func (s *SPI) transfer(ctx context.Context, tx []byte) (rx []byte, err error) {
	s.mu.Lock()
	baud := s.clockHz
	mode := uint(s.mode)
	if s.csActiveHigh {
		mode |= csHighFlag
	}
	s.mu.Unlock()

	handle, err := s.bus.OpenHandle()
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, handle.Close())
	}()
	return handle.Xfer(ctx, baud, s.port.chipSelect(), mode, tx)
}

// Write writes data to the peripheral device, returning the number of bytes
// written. The bytes received on CIPO during the transfer are banked and can
// be consumed by a later Read with initiate=false.
func (s *SPI) Write(ctx context.Context, data []byte) (int, error) {
	rx, err := s.transfer(ctx, data)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.banked = append(s.banked, rx...)
	s.mu.Unlock()
	return len(data), nil
}

// Read reads size bytes from the device. If initiate is true it pushes zeros
// onto the bus and returns what comes back; if false it consumes bytes banked
// by previous Writes and errors if not enough have been banked.
func (s *SPI) Read(ctx context.Context, initiate bool, size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "negative read size %d", size)
	}
	if initiate {
		return s.transfer(ctx, make([]byte, size))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.banked) < size {
		return nil, errors.Wrapf(ErrPrecondition,
			"%d received bytes banked but %d requested; write first or pass initiate", len(s.banked), size)
	}
	out := make([]byte, size)
	copy(out, s.banked)
	s.banked = s.banked[size:]
	return out, nil
}

// Transaction performs a simultaneous read/write transaction with the device.
// The returned slice is the same length as tx.
func (s *SPI) Transaction(ctx context.Context, tx []byte) ([]byte, error) {
	return s.transfer(ctx, tx)
}

// Close frees the accumulator and the automatic transfer engine and closes
// the underlying bus. No background sampling runs after Close returns.
func (s *SPI) Close(ctx context.Context) error {
	s.FreeAccumulator()
	s.FreeAuto()
	return s.bus.Close(ctx)
}
