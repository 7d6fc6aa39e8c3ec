// Package main contains a command to watch an SPI device through the
// accumulator, logging its running statistics once a second.
package main

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"
	"periph.io/x/host/v3"

	"github.com/motionworks/spidrv/buses"
	"github.com/motionworks/spidrv/spi"
)

var logger = golog.NewDevelopmentLogger("spimon")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Port       int  `flag:"port,default=0,usage=SPI port (0-3 onboard CS0-CS3, 4 MXP)"`
	ClockRate  int  `flag:"hz,default=500000,usage=clock rate in hertz"`
	Mode       int  `flag:"mode,default=0,usage=SPI mode (0-3)"`
	PeriodUS   int  `flag:"period,default=1000,usage=sample period in microseconds"`
	Command    int  `flag:"cmd,default=32,usage=command word sent each cycle"`
	XferSize   int  `flag:"size,default=2,usage=transfer size in bytes (1-4)"`
	ValidMask  int  `flag:"mask,default=0,usage=validity mask applied to received words"`
	ValidValue int  `flag:"valid,default=0,usage=required value after masking"`
	DataShift  int  `flag:"shift,default=0,usage=bit offset of the data field"`
	DataSize   int  `flag:"bits,default=16,usage=width of the data field in bits"`
	Signed     bool `flag:"signed,default=true,usage=data field is two's-complement"`
	BigEndian  bool `flag:"be,default=false,usage=device sends most significant byte first"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	if _, err := host.Init(); err != nil {
		logger.Debugw("error initializing host", "error", err)
	}

	port := spi.Port(argsParsed.Port)
	dev, err := spi.New(port, buses.NewSpiBus(port.BusSelect()), logger)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(func() error { return dev.Close(ctx) })

	if err := dev.SetClockRate(argsParsed.ClockRate); err != nil {
		return err
	}
	if err := dev.SetMode(spi.Mode(argsParsed.Mode)); err != nil {
		return err
	}

	if err := dev.InitAccumulator(spi.AccumulatorConfig{
		Period:     time.Duration(argsParsed.PeriodUS) * time.Microsecond,
		Command:    uint32(argsParsed.Command),
		XferSize:   argsParsed.XferSize,
		ValidMask:  uint32(argsParsed.ValidMask),
		ValidValue: uint32(argsParsed.ValidValue),
		DataShift:  argsParsed.DataShift,
		DataSize:   argsParsed.DataSize,
		Signed:     argsParsed.Signed,
		BigEndian:  argsParsed.BigEndian,
	}); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if !goutils.SelectContextOrWaitChan(ctx, ticker.C) {
			return ctx.Err()
		}

		value, count, err := dev.AccumulatorOutput()
		if err != nil {
			return err
		}
		average, err := dev.AccumulatorAverage()
		if err != nil {
			return err
		}
		last, err := dev.AccumulatorLastValue()
		if err != nil {
			return err
		}
		logger.Infow("accumulator", "value", value, "count", count, "average", average, "last", last)
	}
}
