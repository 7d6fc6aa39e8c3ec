package spi

import (
	"math/bits"
)

// FrameFormat describes how a raw received word is validated and decoded into
// a signed sample. Words are assembled least significant byte first from the
// wire; set BigEndian for devices that send the most significant byte first.
type FrameFormat struct {
	// XferSize is the transfer size in bytes (1-4).
	XferSize int
	// ValidMask and ValidValue form the validity check: a word is a genuine
	// sample only if word&ValidMask == ValidValue.
	ValidMask  uint32
	ValidValue uint32
	// DataShift is the bit offset of the data field within the word.
	DataShift int
	// DataSize is the width of the data field in bits (1-32).
	DataSize int
	// Signed indicates the data field is two's-complement.
	Signed bool
	// BigEndian indicates the device sends the most significant byte first.
	BigEndian bool
}

// Decode validates word against the format and extracts the data field,
// sign-extending it when the format is signed. It returns false for words
// failing the validity check; such words are not samples and carry no value.
func (f FrameFormat) Decode(word uint32) (int64, bool) {
	if f.BigEndian {
		word = bits.ReverseBytes32(word) >> (8 * uint(4-f.XferSize))
	}
	if word&f.ValidMask != f.ValidValue {
		return 0, false
	}
	width := uint(f.DataSize)
	value := int64(word>>uint(f.DataShift)) & (1<<width - 1)
	if f.Signed && value&(1<<(width-1)) != 0 {
		value -= 1 << width
	}
	return value, true
}
