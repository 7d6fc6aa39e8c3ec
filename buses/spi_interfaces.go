// Package buses provides access to shared SPI buses. A Bus is the boundary to
// the physical port: it hands out handles that hold the bus-wide lock for the
// duration of one or more transfers.
package buses

import (
	"context"
)

// Bus represents a shareable SPI bus.
type Bus interface {
	// OpenHandle locks the shared bus and returns a handle interface that MUST be closed when done.
	OpenHandle() (Handle, error)
	Close(ctx context.Context) error
}

// Handle is similar to an io handle. It MUST be closed to release the bus.
type Handle interface {
	// Xfer performs a single SPI transfer, that is, the complete transaction from chipselect
	// enable to chipselect disable. SPI transfers are synchronous, number of bytes received will
	// be equal to the number of bytes sent. Write-only transfers can usually just discard the
	// returned bytes. Read-only transfers usually transmit a request/address and continue with
	// some number of null bytes to equal the expected size of the returning data.
	Xfer(
		ctx context.Context,
		baud uint,
		chipSelect string,
		mode uint,
		tx []byte,
	) ([]byte, error)

	// Close closes the handle and releases the lock on the bus.
	Close() error
}
