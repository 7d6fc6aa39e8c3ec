//go:build linux

package trigger

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/mkch/gpio"
	goutils "go.viam.com/utils"
)

// GPIOPin is a Source backed by a GPIO line, using the kernel's line-event
// interface. Both edge directions are monitored; listeners filter.
type GPIOPin struct {
	BasicSource
	line       *gpio.LineWithEvent
	cancelCtx  context.Context
	cancelFunc func()
	logger     golog.Logger
}

// NewGPIOPin opens the given line of a GPIO chip device (e.g.
// "/dev/gpiochip0") and starts forwarding its edges.
func NewGPIOPin(chipDev string, lineOffset uint32, logger golog.Logger) (*GPIOPin, error) {
	chip, err := gpio.OpenChip(chipDev)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(chip.Close)

	line, err := chip.OpenLineWithEvents(lineOffset, gpio.Input, gpio.BothEdges, "spidrv-trigger")
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	pin := &GPIOPin{
		line:       line,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		logger:     logger,
	}
	goutils.PanicCapturingGo(pin.monitor)
	return pin, nil
}

func (p *GPIOPin) monitor() {
	for {
		select {
		case <-p.cancelCtx.Done():
			return
		case event := <-p.line.Events():
			if event == nil {
				continue
			}
			if err := p.Tick(p.cancelCtx, event.RisingEdge, uint64(event.Time.UnixNano())); err != nil {
				p.logger.Debugw("dropped gpio edge", "error", err)
			}
		}
	}
}

// Close stops monitoring and releases the line. The monitor goroutine only
// consumes from the line's event channel, so there is no need to wait for it
// before closing the line.
func (p *GPIOPin) Close() error {
	p.cancelFunc()
	return p.line.Close()
}
