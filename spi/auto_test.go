package spi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/motionworks/spidrv/trigger"
)

func newMockAuto(t *testing.T, bus *fakeBus, bufferSize int) (*SPI, *clock.Mock) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	clk := clock.NewMock()
	dev, err := NewWithClock(PortOnboardCS0, bus, clk, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.InitAuto(bufferSize), test.ShouldBeNil)
	return dev, clk
}

func autoAvailable(t *testing.T, dev *SPI) int {
	t.Helper()
	available, err := dev.ReadAutoReceivedData(context.Background(), nil, 0, 0)
	test.That(t, err, test.ShouldBeNil)
	return available
}

func TestAutoLifecycle(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dev, err := New(PortOnboardCS0, &fakeBus{}, logger)
	test.That(t, err, test.ShouldBeNil)

	// Nothing works before InitAuto.
	test.That(t, errors.Is(dev.SetAutoTransmitData([]byte{1}, 0), ErrPrecondition), test.ShouldBeTrue)
	test.That(t, errors.Is(dev.StartAutoRate(time.Millisecond), ErrPrecondition), test.ShouldBeTrue)
	test.That(t, errors.Is(dev.StopAuto(), ErrPrecondition), test.ShouldBeTrue)
	test.That(t, errors.Is(dev.ForceAutoRead(context.Background()), ErrPrecondition), test.ShouldBeTrue)
	_, err = dev.ReadAutoReceivedData(context.Background(), nil, 0, 0)
	test.That(t, errors.Is(err, ErrPrecondition), test.ShouldBeTrue)
	_, err = dev.AutoDroppedCount()
	test.That(t, errors.Is(err, ErrPrecondition), test.ShouldBeTrue)

	test.That(t, errors.Is(dev.InitAuto(0), ErrInvalidConfig), test.ShouldBeTrue)
	test.That(t, errors.Is(dev.InitAuto(-3), ErrInvalidConfig), test.ShouldBeTrue)
	test.That(t, dev.InitAuto(8), test.ShouldBeNil)
	test.That(t, errors.Is(dev.InitAuto(8), ErrInvalidConfig), test.ShouldBeTrue)

	// Pattern bounds.
	test.That(t, errors.Is(dev.SetAutoTransmitData(make([]byte, MaxTransmitBytes+1), 0), ErrInvalidConfig), test.ShouldBeTrue)
	test.That(t, errors.Is(dev.SetAutoTransmitData([]byte{1}, MaxZeroFill+1), ErrInvalidConfig), test.ShouldBeTrue)
	test.That(t, errors.Is(dev.SetAutoTransmitData([]byte{1}, -1), ErrInvalidConfig), test.ShouldBeTrue)

	// Starting without a pattern is a state error, not a config error.
	test.That(t, errors.Is(dev.StartAutoRate(time.Millisecond), ErrPrecondition), test.ShouldBeTrue)

	test.That(t, dev.SetAutoTransmitData([]byte{0xAA}, 2), test.ShouldBeNil)
	test.That(t, errors.Is(dev.StartAutoRate(0), ErrInvalidConfig), test.ShouldBeTrue)
	test.That(t, dev.StartAutoRate(time.Hour), test.ShouldBeNil)
	test.That(t, errors.Is(dev.StartAutoRate(time.Hour), ErrPrecondition), test.ShouldBeTrue)

	// The pattern is frozen while running.
	test.That(t, errors.Is(dev.SetAutoTransmitData([]byte{0xBB}, 0), ErrPrecondition), test.ShouldBeTrue)

	test.That(t, dev.StopAuto(), test.ShouldBeNil)
	// Stopping an already stopped engine is fine.
	test.That(t, dev.StopAuto(), test.ShouldBeNil)
	test.That(t, dev.SetAutoTransmitData([]byte{0xBB}, 0), test.ShouldBeNil)

	dev.FreeAuto()
	dev.FreeAuto()
	test.That(t, dev.InitAuto(4), test.ShouldBeNil)
	dev.FreeAuto()
}

func TestAutoRateScenario(t *testing.T) {
	bus := &fakeBus{loopback: true}
	dev, clk := newMockAuto(t, bus, 10)
	defer dev.FreeAuto()

	test.That(t, dev.SetAutoTransmitData([]byte{0xAA}, 3), test.ShouldBeNil)
	test.That(t, dev.StartAutoRate(time.Millisecond), test.ShouldBeNil)
	advanceTicks(t, clk, bus, time.Millisecond, 2)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		available, err := dev.ReadAutoReceivedData(context.Background(), nil, 0, 0)
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, available, test.ShouldEqual, 10)
	})

	// Every firing transmits the pattern plus the zero fill.
	test.That(t, bus.lastTx(), test.ShouldResemble, []byte{0xAA, 0, 0, 0})

	buf := make([]uint32, 10)
	remaining, err := dev.ReadAutoReceivedData(context.Background(), buf, 10, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, remaining, test.ShouldEqual, 0)
	// Two groups in FIFO order, each a timestamp word (microseconds) followed
	// by one word per received byte.
	test.That(t, buf, test.ShouldResemble, []uint32{
		1000, 0xAA, 0, 0, 0,
		2000, 0xAA, 0, 0, 0,
	})

	dropped, err := dev.AutoDroppedCount()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dropped, test.ShouldEqual, 0)
}

func TestAutoDroppedCount(t *testing.T) {
	bus := &fakeBus{loopback: true}
	dev, clk := newMockAuto(t, bus, 6)
	defer dev.FreeAuto()

	test.That(t, dev.SetAutoTransmitData([]byte{0xAA}, 3), test.ShouldBeNil)
	test.That(t, dev.StartAutoRate(time.Millisecond), test.ShouldBeNil)

	// Each firing wants to store 5 words. The first fits whole, the second
	// only gets its timestamp in, the third is dropped entirely. Stored words
	// are never overwritten.
	advanceTicks(t, clk, bus, time.Millisecond, 3)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		dropped, err := dev.AutoDroppedCount()
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, dropped, test.ShouldEqual, 9)
	})
	test.That(t, autoAvailable(t, dev), test.ShouldEqual, 6)

	buf := make([]uint32, 6)
	remaining, err := dev.ReadAutoReceivedData(context.Background(), buf, 6, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, remaining, test.ShouldEqual, 0)
	test.That(t, buf, test.ShouldResemble, []uint32{1000, 0xAA, 0, 0, 0, 2000})
}

func TestReadAutoValidation(t *testing.T) {
	dev, _ := newMockAuto(t, &fakeBus{}, 4)
	defer dev.FreeAuto()
	ctx := context.Background()

	_, err := dev.ReadAutoReceivedData(ctx, nil, -1, time.Second)
	test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)

	// Asking for more than the buffer can ever hold would never finish.
	remaining, err := dev.ReadAutoReceivedData(ctx, make([]uint32, 8), 5, time.Second)
	test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)
	test.That(t, remaining, test.ShouldEqual, 5)

	_, err = dev.ReadAutoReceivedData(ctx, make([]uint32, 2), 3, time.Second)
	test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)
}

func TestReadAutoTimeout(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dev, err := New(PortOnboardCS0, &fakeBus{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.InitAuto(8), test.ShouldBeNil)
	defer dev.FreeAuto()
	test.That(t, dev.SetAutoTransmitData([]byte{1}, 0), test.ShouldBeNil)
	test.That(t, dev.StartAutoRate(time.Hour), test.ShouldBeNil)

	// Nothing is produced before the timeout, so the wait is bounded and the
	// whole request is still pending.
	buf := make([]uint32, 5)
	start := time.Now()
	remaining, err := dev.ReadAutoReceivedData(context.Background(), buf, 5, 100*time.Millisecond)
	elapsed := time.Since(start)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, remaining, test.ShouldEqual, 5)
	test.That(t, elapsed, test.ShouldBeGreaterThanOrEqualTo, 90*time.Millisecond)
	test.That(t, elapsed, test.ShouldBeLessThan, 2*time.Second)

	// A canceled context unblocks the read too.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	remaining, err = dev.ReadAutoReceivedData(ctx, buf, 5, time.Hour)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, remaining, test.ShouldEqual, 5)
}

func TestReadAutoBlocksUntilSatisfied(t *testing.T) {
	logger := golog.NewTestLogger(t)
	bus := &fakeBus{loopback: true}
	dev, err := New(PortOnboardCS0, bus, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.InitAuto(16), test.ShouldBeNil)
	defer dev.FreeAuto()
	test.That(t, dev.SetAutoTransmitData([]byte{1}, 0), test.ShouldBeNil)
	test.That(t, dev.StartAutoRate(5*time.Millisecond), test.ShouldBeNil)

	// Two firings (two words each) are needed to satisfy the read; it should
	// block for them and return fully satisfied, well within the timeout.
	buf := make([]uint32, 4)
	remaining, err := dev.ReadAutoReceivedData(context.Background(), buf, 4, 5*time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, remaining, test.ShouldEqual, 0)
	test.That(t, buf[1], test.ShouldEqual, 1)
	test.That(t, buf[3], test.ShouldEqual, 1)
}

func TestForceAutoRead(t *testing.T) {
	logger := golog.NewTestLogger(t)
	bus := &fakeBus{loopback: true}
	dev, err := New(PortOnboardCS0, bus, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.InitAuto(16), test.ShouldBeNil)
	defer dev.FreeAuto()
	test.That(t, dev.SetAutoTransmitData([]byte{0x42}, 1), test.ShouldBeNil)

	// Legal in the running state only.
	test.That(t, errors.Is(dev.ForceAutoRead(context.Background()), ErrPrecondition), test.ShouldBeTrue)

	test.That(t, dev.StartAutoRate(time.Hour), test.ShouldBeNil)
	test.That(t, dev.ForceAutoRead(context.Background()), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		available, err := dev.ReadAutoReceivedData(context.Background(), nil, 0, 0)
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, available, test.ShouldEqual, 3)
	})

	test.That(t, dev.ForceAutoRead(context.Background()), test.ShouldBeNil)
	buf := make([]uint32, 6)
	remaining, err := dev.ReadAutoReceivedData(context.Background(), buf, 6, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, remaining, test.ShouldEqual, 0)
	test.That(t, buf[1], test.ShouldEqual, 0x42)
	test.That(t, buf[4], test.ShouldEqual, 0x42)
}

func TestAutoTrigger(t *testing.T) {
	logger := golog.NewTestLogger(t)
	bus := &fakeBus{loopback: true}
	dev, err := New(PortOnboardCS0, bus, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.InitAuto(20), test.ShouldBeNil)
	defer dev.FreeAuto()
	test.That(t, dev.SetAutoTransmitData([]byte{0x01}, 0), test.ShouldBeNil)

	var src trigger.BasicSource
	test.That(t, errors.Is(dev.StartAutoTrigger(&src, false, false), ErrInvalidConfig), test.ShouldBeTrue)
	test.That(t, dev.StartAutoTrigger(&src, true, false), test.ShouldBeNil)

	ctx := context.Background()
	now := func() uint64 { return uint64(time.Now().UnixNano()) }
	test.That(t, src.Tick(ctx, true, now()), test.ShouldBeNil)
	test.That(t, src.Tick(ctx, false, now()), test.ShouldBeNil)
	test.That(t, src.Tick(ctx, true, now()), test.ShouldBeNil)
	test.That(t, src.Tick(ctx, true, now()), test.ShouldBeNil)

	// Only the three rising edges fire, two words per firing.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		available, err := dev.ReadAutoReceivedData(ctx, nil, 0, 0)
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, available, test.ShouldEqual, 6)
	})
	time.Sleep(20 * time.Millisecond)
	test.That(t, autoAvailable(t, dev), test.ShouldEqual, 6)

	// After a stop the listener is gone and edges no longer block or fire.
	test.That(t, dev.StopAuto(), test.ShouldBeNil)
	test.That(t, src.Tick(ctx, true, now()), test.ShouldBeNil)
	test.That(t, autoAvailable(t, dev), test.ShouldEqual, 6)
}

func TestAutoStopKeepsBufferedData(t *testing.T) {
	bus := &fakeBus{loopback: true}
	dev, clk := newMockAuto(t, bus, 8)
	defer dev.FreeAuto()

	test.That(t, dev.SetAutoTransmitData([]byte{0x07}, 0), test.ShouldBeNil)
	test.That(t, dev.StartAutoRate(time.Millisecond), test.ShouldBeNil)
	advanceTicks(t, clk, bus, time.Millisecond, 1)

	test.That(t, dev.StopAuto(), test.ShouldBeNil)

	// No firings after the stop returns.
	before := bus.transferCount()
	clk.Add(10 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	test.That(t, bus.transferCount(), test.ShouldEqual, before)

	// The buffered group is still there to drain.
	buf := make([]uint32, 2)
	remaining, err := dev.ReadAutoReceivedData(context.Background(), buf, 2, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, remaining, test.ShouldEqual, 0)
	test.That(t, buf[1], test.ShouldEqual, 0x07)
}

func TestConfigureAutoStall(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dev, err := New(PortOnboardCS0, &fakeBus{}, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, errors.Is(dev.ConfigureAutoStall(1, 2, 3), ErrPrecondition), test.ShouldBeTrue)
	test.That(t, dev.InitAuto(8), test.ShouldBeNil)
	defer dev.FreeAuto()
	test.That(t, errors.Is(dev.ConfigureAutoStall(-1, 0, 0), ErrInvalidConfig), test.ShouldBeTrue)
	test.That(t, dev.ConfigureAutoStall(2, 10, 1), test.ShouldBeNil)
}
