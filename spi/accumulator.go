package spi

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// AccumulatorConfig describes how the accumulator samples a periodic device:
// the cadence, the command to send each cycle, and how the reply decodes into
// a signed sample. It is immutable while the accumulator is running.
type AccumulatorConfig struct {
	// Period is the time between reads.
	Period time.Duration `json:"period"`
	// Command is the command word sent each cycle, packed most significant
	// byte first into XferSize bytes.
	Command uint32 `json:"command"`
	// XferSize is the transfer size in bytes (1-4).
	XferSize int `json:"xfer_size"`
	// ValidMask and ValidValue form the validity check on received words.
	ValidMask  uint32 `json:"valid_mask"`
	ValidValue uint32 `json:"valid_value"`
	// DataShift and DataSize locate the data field within a valid word.
	DataShift int `json:"data_shift"`
	DataSize  int `json:"data_size"`
	// Signed indicates the data field is two's-complement.
	Signed bool `json:"signed,omitempty"`
	// BigEndian indicates the device sends the most significant byte first.
	BigEndian bool `json:"big_endian,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *AccumulatorConfig) Validate(path string) error {
	if cfg.Period <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("period must be positive"))
	}
	if cfg.XferSize < 1 || cfg.XferSize > 4 {
		return goutils.NewConfigValidationError(path, errors.Errorf("xfer_size %d out of range [1, 4]", cfg.XferSize))
	}
	if cfg.DataSize < 1 || cfg.DataSize > 32 {
		return goutils.NewConfigValidationError(path, errors.Errorf("data_size %d out of range [1, 32]", cfg.DataSize))
	}
	if cfg.DataShift < 0 || cfg.DataShift+cfg.DataSize > 32 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("data field (shift %d, size %d) does not fit in 32 bits", cfg.DataShift, cfg.DataSize))
	}
	return nil
}

func (cfg *AccumulatorConfig) frameFormat() FrameFormat {
	return FrameFormat{
		XferSize:   cfg.XferSize,
		ValidMask:  cfg.ValidMask,
		ValidValue: cfg.ValidValue,
		DataShift:  cfg.DataShift,
		DataSize:   cfg.DataSize,
		Signed:     cfg.Signed,
		BigEndian:  cfg.BigEndian,
	}
}

func (cfg *AccumulatorConfig) commandBytes() []byte {
	cmd := make([]byte, cfg.XferSize)
	for i := 0; i < cfg.XferSize; i++ {
		cmd[i] = byte(cfg.Command >> (8 * uint(cfg.XferSize-1-i)))
	}
	return cmd
}

// accumulator owns the background sampling task and its statistics. The
// statistics are mutated only inside the tick handler and Reset, and read by
// any number of callers, all under one mutex so every read is a consistent
// snapshot.
type accumulator struct {
	format FrameFormat
	cmd    []byte

	cancelFunc func()
	workers    sync.WaitGroup

	mu               sync.Mutex
	value            int64
	count            int64
	lastValue        int64
	integratedValue  float64
	center           int64
	deadband         int64
	integratedCenter float64
	lastSampleTime   time.Time
}

// InitAccumulator starts the accumulator: a background task that samples the
// device every cfg.Period, decodes the reply, and folds valid samples into
// the running statistics. The automatic transfer engine must not be running.
func (s *SPI) InitAccumulator(cfg AccumulatorConfig) error {
	if err := cfg.Validate(""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accum != nil {
		return errors.Wrap(ErrInvalidConfig, "accumulator already initialized; free it first")
	}
	if s.auto != nil && s.auto.started {
		return errors.Wrap(ErrInvalidConfig, "automatic transfer engine owns the port")
	}

	a := &accumulator{
		format: cfg.frameFormat(),
		cmd:    cfg.commandBytes(),
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	a.cancelFunc = cancel
	s.accum = a

	// Created before the worker launches so no early tick is missed.
	ticker := s.clock.Ticker(cfg.Period)
	a.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer a.workers.Done()
		defer ticker.Stop()
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
			}
			s.accumulatorTick(cancelCtx, a)
		}
	})
	return nil
}

// FreeAccumulator stops the background sampling task. It returns only once
// the task has exited, so no tick runs after it returns. Safe to call any
// number of times.
func (s *SPI) FreeAccumulator() {
	s.mu.Lock()
	a := s.accum
	s.accum = nil
	s.mu.Unlock()
	if a == nil {
		return
	}
	a.cancelFunc()
	a.workers.Wait()
}

// accumulatorTick performs one sampling cycle. A failed transfer or an
// invalid word skips the cycle without touching the statistics.
func (s *SPI) accumulatorTick(ctx context.Context, a *accumulator) {
	rx, err := s.transfer(ctx, a.cmd)
	if err != nil {
		s.logger.Debugw("accumulator transfer failed; skipping tick", "error", err)
		return
	}
	var word uint32
	for i, b := range rx {
		word |= uint32(b) << (8 * uint(i))
	}
	sample, ok := a.format.Decode(word)
	if !ok {
		return
	}
	now := s.clock.Now()

	a.mu.Lock()
	var dt float64
	if !a.lastSampleTime.IsZero() {
		dt = now.Sub(a.lastSampleTime).Seconds()
	}
	adjusted := sample - a.center
	if adjusted <= -a.deadband || adjusted >= a.deadband {
		a.value += adjusted
	}
	a.count++
	a.lastValue = sample
	a.integratedValue += (float64(sample) - a.integratedCenter) * dt
	a.lastSampleTime = now
	a.mu.Unlock()
}

// ResetAccumulator zeroes the count, sum, integrated sum, and last value. The
// next valid sample integrates with dt of zero. The reset serializes with any
// in-flight tick.
func (s *SPI) ResetAccumulator() error {
	a, err := s.accumulator()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.value = 0
	a.count = 0
	a.lastValue = 0
	a.integratedValue = 0
	a.lastSampleTime = time.Time{}
	a.mu.Unlock()
	return nil
}

// SetAccumulatorCenter sets the center value subtracted from each sample
// before it is added to the running sum. This is used for the center value of
// devices like gyros to take the device offset into account.
func (s *SPI) SetAccumulatorCenter(center int64) error {
	a, err := s.accumulator()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.center = center
	a.mu.Unlock()
	return nil
}

// SetAccumulatorDeadband sets the tolerance around the center value within
// which samples contribute zero to the running sum. Such samples still count
// and still integrate.
func (s *SPI) SetAccumulatorDeadband(deadband int64) error {
	if deadband < 0 {
		return errors.Wrapf(ErrInvalidConfig, "negative deadband %d", deadband)
	}
	a, err := s.accumulator()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.deadband = deadband
	a.mu.Unlock()
	return nil
}

// SetAccumulatorIntegratedCenter sets the center value subtracted from each
// sample before its value times dt is added to the integrated sum.
func (s *SPI) SetAccumulatorIntegratedCenter(center float64) error {
	a, err := s.accumulator()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.integratedCenter = center
	a.mu.Unlock()
	return nil
}

// AccumulatorLastValue returns the last raw sample decoded by the
// accumulator.
func (s *SPI) AccumulatorLastValue() (int64, error) {
	a, err := s.accumulator()
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastValue, nil
}

// AccumulatorValue returns the value accumulated since the last reset.
func (s *SPI) AccumulatorValue() (int64, error) {
	a, err := s.accumulator()
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, nil
}

// AccumulatorCount returns the number of samples accumulated since the last
// reset.
func (s *SPI) AccumulatorCount() (int64, error) {
	a, err := s.accumulator()
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, nil
}

// AccumulatorOutput returns the accumulated value and the sample count as one
// consistent snapshot: both always reflect the same set of ticks.
func (s *SPI) AccumulatorOutput() (int64, int64, error) {
	a, err := s.accumulator()
	if err != nil {
		return 0, 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, a.count, nil
}

// AccumulatorAverage returns the accumulated value divided by the sample
// count, or 0 when nothing has accumulated.
func (s *SPI) AccumulatorAverage() (float64, error) {
	a, err := s.accumulator()
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0, nil
	}
	return float64(a.value) / float64(a.count), nil
}

// AccumulatorIntegratedValue returns the sum of each sample times the time
// between samples, accumulated since the last reset.
func (s *SPI) AccumulatorIntegratedValue() (float64, error) {
	a, err := s.accumulator()
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.integratedValue, nil
}

// AccumulatorIntegratedAverage returns the integrated value divided by the
// sample count, or 0 when nothing has accumulated.
func (s *SPI) AccumulatorIntegratedAverage() (float64, error) {
	a, err := s.accumulator()
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0, nil
	}
	return a.integratedValue / float64(a.count), nil
}

func (s *SPI) accumulator() (*accumulator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accum == nil {
		return nil, errors.Wrap(ErrPrecondition, "accumulator not initialized")
	}
	return s.accum, nil
}
