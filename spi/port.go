package spi

// Port is the physical identity of an SPI port. A port is bound to an SPI
// facade at construction time and never changes.
type Port int

const (
	// PortOnboardCS0 is the onboard SPI bus port CS0.
	PortOnboardCS0 Port = iota
	// PortOnboardCS1 is the onboard SPI bus port CS1.
	PortOnboardCS1
	// PortOnboardCS2 is the onboard SPI bus port CS2.
	PortOnboardCS2
	// PortOnboardCS3 is the onboard SPI bus port CS3.
	PortOnboardCS3
	// PortMXP is the expansion header SPI bus port.
	PortMXP
)

func (p Port) String() string {
	switch p {
	case PortOnboardCS0:
		return "OnboardCS0"
	case PortOnboardCS1:
		return "OnboardCS1"
	case PortOnboardCS2:
		return "OnboardCS2"
	case PortOnboardCS3:
		return "OnboardCS3"
	case PortMXP:
		return "MXP"
	default:
		return "Unknown"
	}
}

// BusSelect returns the bus select string understood by buses.NewSpiBus. The
// four onboard chip selects share one bus; the expansion port is its own.
func (p Port) BusSelect() string {
	if p == PortMXP {
		return "1"
	}
	return "0"
}

func (p Port) chipSelect() string {
	switch p {
	case PortOnboardCS0, PortMXP:
		return "0"
	case PortOnboardCS1:
		return "1"
	case PortOnboardCS2:
		return "2"
	case PortOnboardCS3:
		return "3"
	default:
		return "0"
	}
}

func (p Port) valid() bool {
	return p >= PortOnboardCS0 && p <= PortMXP
}

// Mode selects the clock idle polarity and sample edge of the generated
// clock signal.
type Mode int

const (
	// Mode0 is clock idle low, data sampled on rising edge.
	Mode0 Mode = iota
	// Mode1 is clock idle low, data sampled on falling edge.
	Mode1
	// Mode2 is clock idle high, data sampled on falling edge.
	Mode2
	// Mode3 is clock idle high, data sampled on rising edge.
	Mode3
)

const (
	// MaxClockRate is the maximum configurable clock rate, in hertz.
	MaxClockRate = 4_000_000
	// DefaultClockRate is the clock rate used until SetClockRate is called.
	DefaultClockRate = 500_000

	// MaxTransmitBytes is the most fixed data bytes an automatic transfer
	// pattern can carry.
	MaxTransmitBytes = 16
	// MaxZeroFill is the most trailing zero bytes an automatic transfer
	// pattern can carry.
	MaxZeroFill = 127
)
