package spi

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/motionworks/spidrv/trigger"
)

// autoEngine repeats a fixed transmit pattern on a timer or external trigger
// and buffers the received words. Lifecycle fields are guarded by the facade
// mutex; the ring and its counters are guarded by mu so readers never contend
// with facade configuration calls.
type autoEngine struct {
	txData     []byte
	zeroSize   int
	patternSet bool
	started    bool
	cancelFunc func()
	workers    sync.WaitGroup
	epoch      time.Time

	// Stall pacing hints, retained for diagnostics.
	csToSclkTicks    int
	stallTicks       int
	pow2BytesPerRead int

	mu      sync.Mutex
	ring    []uint32
	head    int
	count   int
	dropped int

	// dataReady is signaled (capacity 1) after every append so blocked
	// readers re-check the ring.
	dataReady chan struct{}
	forceCh   chan struct{}
}

// pushWord appends one word, dropping it when the ring is full. Stored words
// are never overwritten. Callers must hold mu.
func (e *autoEngine) pushWord(w uint32) {
	if e.count == len(e.ring) {
		e.dropped++
		return
	}
	e.ring[(e.head+e.count)%len(e.ring)] = w
	e.count++
}

// popInto dequeues up to len(dst) words in FIFO order, returning how many
// were dequeued. Callers must hold mu.
func (e *autoEngine) popInto(dst []uint32) int {
	n := len(dst)
	if n > e.count {
		n = e.count
	}
	for i := 0; i < n; i++ {
		dst[i] = e.ring[e.head]
		e.head = (e.head + 1) % len(e.ring)
	}
	e.count -= n
	return n
}

// InitAuto initializes the automatic transfer engine with a receive buffer of
// the given capacity in words. Only a single engine is available per port and
// it excludes the accumulator while running.
func (s *SPI) InitAuto(bufferSize int) error {
	if bufferSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "buffer size %d must be positive", bufferSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auto != nil {
		return errors.Wrap(ErrInvalidConfig, "automatic transfer engine already initialized; free it first")
	}
	s.auto = &autoEngine{
		ring:      make([]uint32, bufferSize),
		epoch:     s.clock.Now(),
		dataReady: make(chan struct{}, 1),
		forceCh:   make(chan struct{}),
	}
	return nil
}

// FreeAuto stops the engine if running and releases its buffer. It is safe to
// call any number of times. Buffered samples are discarded.
func (s *SPI) FreeAuto() {
	s.mu.Lock()
	e := s.auto
	s.auto = nil
	s.mu.Unlock()
	if e == nil {
		return
	}
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	e.workers.Wait()
}

// SetAutoTransmitData sets the pattern the engine transmits every firing: up
// to 16 fixed bytes followed by up to 127 zero bytes. The engine must be
// initialized and stopped.
func (s *SPI) SetAutoTransmitData(data []byte, zeroSize int) error {
	if len(data) > MaxTransmitBytes {
		return errors.Wrapf(ErrInvalidConfig, "%d transmit bytes exceeds the maximum of %d", len(data), MaxTransmitBytes)
	}
	if zeroSize < 0 || zeroSize > MaxZeroFill {
		return errors.Wrapf(ErrInvalidConfig, "zero fill %d out of range [0, %d]", zeroSize, MaxZeroFill)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.auto
	if e == nil {
		return errors.Wrap(ErrPrecondition, "automatic transfer engine not initialized")
	}
	if e.started {
		return errors.Wrap(ErrPrecondition, "stop the engine before changing the transmit pattern")
	}
	e.txData = append([]byte(nil), data...)
	e.zeroSize = zeroSize
	e.patternSet = true
	return nil
}

// ConfigureAutoStall retains chip-select stall pacing hints for the engine.
func (s *SPI) ConfigureAutoStall(csToSclkTicks, stallTicks, pow2BytesPerRead int) error {
	if csToSclkTicks < 0 || stallTicks < 0 || pow2BytesPerRead < 0 {
		return errors.Wrap(ErrInvalidConfig, "stall parameters must be non-negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.auto
	if e == nil {
		return errors.Wrap(ErrPrecondition, "automatic transfer engine not initialized")
	}
	e.csToSclkTicks = csToSclkTicks
	e.stallTicks = stallTicks
	e.pow2BytesPerRead = pow2BytesPerRead
	s.logger.Debugw("auto stall configured",
		"cs_to_sclk_ticks", csToSclkTicks, "stall_ticks", stallTicks, "pow2_bytes_per_read", pow2BytesPerRead)
	return nil
}

// startAuto validates the state transition into Running and launches the
// worker. Callers pass the loop body that waits for the next firing cause.
func (s *SPI) startAuto(run func(ctx context.Context, e *autoEngine)) (*autoEngine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.auto
	if e == nil {
		return nil, errors.Wrap(ErrPrecondition, "automatic transfer engine not initialized")
	}
	if !e.patternSet {
		return nil, errors.Wrap(ErrPrecondition, "no transmit pattern set")
	}
	if e.started {
		return nil, errors.Wrap(ErrPrecondition, "automatic transfer engine already running")
	}
	if s.accum != nil {
		return nil, errors.Wrap(ErrInvalidConfig, "accumulator owns the port")
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	e.cancelFunc = cancel
	e.started = true
	e.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer e.workers.Done()
		run(cancelCtx, e)
	})
	return e, nil
}

// StartAutoRate starts the engine at a periodic rate. InitAuto and
// SetAutoTransmitData must have been called first.
func (s *SPI) StartAutoRate(period time.Duration) error {
	if period <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "period %v must be positive", period)
	}
	// Created before the worker launches so no early tick is missed.
	ticker := s.clock.Ticker(period)
	_, err := s.startAuto(func(ctx context.Context, e *autoEngine) {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-e.forceCh:
			}
			s.autoFire(ctx, e)
		}
	})
	if err != nil {
		ticker.Stop()
	}
	return err
}

// StartAutoTrigger starts the engine firing on edges from the given source.
// InitAuto and SetAutoTransmitData must have been called first.
func (s *SPI) StartAutoTrigger(source trigger.Source, rising, falling bool) error {
	if !rising && !falling {
		return errors.Wrap(ErrInvalidConfig, "at least one of rising and falling must be set")
	}
	ticks := make(chan trigger.Tick)
	source.AddListener(ticks)
	_, err := s.startAuto(func(ctx context.Context, e *autoEngine) {
		defer source.RemoveListener(ticks)
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-ticks:
				if (tick.High && !rising) || (!tick.High && !falling) {
					continue
				}
			case <-e.forceCh:
			}
			s.autoFire(ctx, e)
		}
	})
	if err != nil {
		source.RemoveListener(ticks)
	}
	return err
}

// StopAuto halts further firings. Buffered but unread words stay readable.
func (s *SPI) StopAuto() error {
	s.mu.Lock()
	e := s.auto
	if e == nil {
		s.mu.Unlock()
		return errors.Wrap(ErrPrecondition, "automatic transfer engine not initialized")
	}
	if !e.started {
		s.mu.Unlock()
		return nil
	}
	cancel := e.cancelFunc
	e.started = false
	s.mu.Unlock()

	cancel()
	e.workers.Wait()
	return nil
}

// ForceAutoRead makes the engine perform a single transfer outside the normal
// schedule. The engine must be running.
func (s *SPI) ForceAutoRead(ctx context.Context) error {
	s.mu.Lock()
	e := s.auto
	started := e != nil && e.started
	s.mu.Unlock()
	if !started {
		return errors.Wrap(ErrPrecondition, "automatic transfer engine not running")
	}
	select {
	case e.forceCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// autoFire performs one full transfer of the pattern and appends the sample
// group to the ring: a timestamp word (microseconds since InitAuto, low 32
// bits) followed by one word per received byte. A failed transfer skips the
// firing. When the ring fills mid-group, the stored words remain and the rest
// are counted as dropped.
func (s *SPI) autoFire(ctx context.Context, e *autoEngine) {
	tx := make([]byte, len(e.txData)+e.zeroSize)
	copy(tx, e.txData)
	rx, err := s.transfer(ctx, tx)
	if err != nil {
		s.logger.Debugw("automatic transfer failed; skipping firing", "error", err)
		return
	}
	stamp := uint32(s.clock.Since(e.epoch) / time.Microsecond)

	e.mu.Lock()
	e.pushWord(stamp)
	for _, b := range rx {
		e.pushWord(uint32(b))
	}
	e.mu.Unlock()

	select {
	case e.dataReady <- struct{}{}:
	default:
	}
}

// ReadAutoReceivedData dequeues words received by the engine into buf, in
// FIFO order. It blocks until numToRead words have been dequeued or timeout
// elapses, and returns the number of words still unsatisfied: 0 means fully
// satisfied, >0 means the timeout expired after a partial or empty read.
// Already-dequeued words stay in buf either way. With numToRead of zero it
// returns the number of words currently available without blocking.
func (s *SPI) ReadAutoReceivedData(ctx context.Context, buf []uint32, numToRead int, timeout time.Duration) (int, error) {
	s.mu.Lock()
	e := s.auto
	s.mu.Unlock()
	if e == nil {
		return 0, errors.Wrap(ErrPrecondition, "automatic transfer engine not initialized")
	}
	if numToRead < 0 {
		return 0, errors.Wrapf(ErrInvalidConfig, "negative word count %d", numToRead)
	}
	if numToRead == 0 {
		e.mu.Lock()
		available := e.count
		e.mu.Unlock()
		return available, nil
	}
	if numToRead > len(e.ring) {
		return numToRead, errors.Wrapf(ErrInvalidConfig,
			"%d words requested but the receive buffer only holds %d", numToRead, len(e.ring))
	}
	if len(buf) < numToRead {
		return numToRead, errors.Wrapf(ErrInvalidConfig, "buffer holds %d words but %d requested", len(buf), numToRead)
	}

	timer := s.clock.Timer(timeout)
	defer timer.Stop()
	read := 0
	for {
		e.mu.Lock()
		read += e.popInto(buf[read:numToRead])
		e.mu.Unlock()
		if read >= numToRead {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return numToRead - read, ctx.Err()
		case <-timer.C:
			return numToRead - read, nil
		case <-e.dataReady:
		}
	}
}

// AutoDroppedCount returns the number of words dropped because the receive
// buffer was full.
func (s *SPI) AutoDroppedCount() (int, error) {
	s.mu.Lock()
	e := s.auto
	s.mu.Unlock()
	if e == nil {
		return 0, errors.Wrap(ErrPrecondition, "automatic transfer engine not initialized")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped, nil
}
