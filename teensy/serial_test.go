package teensy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBootloaderSerial(t *testing.T) {
	tests := []struct {
		name string
		s    string
		avr  bool
		want uint64
	}{
		{"hex with leading zeros, not octal", "0012345", false, 74565 * 10},
		{"unprogrammed beta sentinel", "00000064", false, 0},
		{"small values are padded", "00000ABC", false, 27480},
		{"large values stay as-is", "00BC614E", false, 12345678},
		{"absent on avr", "", true, 12345},
		{"absent on arm", "", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseBootloaderSerial(tt.s, tt.avr))
		})
	}
}

func TestParseRunningSerial(t *testing.T) {
	// Leading zeros must not flip the parser into octal.
	assert.Equal(t, uint64(12345), parseRunningSerial("0012345"))
	assert.Equal(t, uint64(1234567), parseRunningSerial("1234567"))
	assert.Equal(t, uint64(0), parseRunningSerial(""))
	assert.Equal(t, uint64(0), parseRunningSerial("garbage"))
}

func TestIdentifyingSerial(t *testing.T) {
	assert.False(t, identifyingSerial(0))
	// The AVR placeholder is accepted as a serial but identifies nothing.
	assert.False(t, identifyingSerial(12345))
	assert.False(t, identifyingSerial(math.MaxUint32))
	assert.True(t, identifyingSerial(123456780))
}
