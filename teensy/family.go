// Package teensy implements the Teensy board family: interface
// classification, firmware signatures and the HalfKay bootloader protocol.
//
// Importing the package registers the family with the board monitor:
//
//	import _ "github.com/CK6170/teensyhost-go/teensy"
package teensy

import (
	"log"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/firmware"
)

const teensyVID = 0x16C0

const (
	usagePageBootloader = 0xFF9C
	usagePageRawHID     = 0xFFAB
	usagePageSeremu     = 0xFFC9
)

// unknownModel stands in for boards seen only in run mode, where the USB
// descriptors do not identify the hardware.
var unknownModel = &board.Model{Name: "Teensy"}

var teensyPP10Model = &board.Model{
	Name: "Teensy++ 1.0",
	MCU:  "at90usb646",

	Usage:        0x1A,
	Experimental: true,

	CodeSize:  64512,
	Variant:   board.VariantAVRSmall,
	BlockSize: 256,
}

var teensy20Model = &board.Model{
	Name: "Teensy 2.0",
	MCU:  "atmega32u4",

	Usage:        0x1B,
	Experimental: true,

	CodeSize:  32256,
	Variant:   board.VariantAVRSmall,
	BlockSize: 128,
}

var teensyPP20Model = &board.Model{
	Name: "Teensy++ 2.0",
	MCU:  "at90usb1286",

	Usage: 0x1C,

	CodeSize:  130048,
	Variant:   board.VariantAVRLarge,
	BlockSize: 256,
}

var teensy30Model = &board.Model{
	Name: "Teensy 3.0",
	MCU:  "mk20dx128",

	Usage: 0x1D,

	CodeSize:  131072,
	Variant:   board.VariantARM,
	BlockSize: 1024,
}

var teensy31Model = &board.Model{
	Name: "Teensy 3.1",
	MCU:  "mk20dx256",

	Usage: 0x1E,

	CodeSize:  262144,
	Variant:   board.VariantARM,
	BlockSize: 1024,
}

var teensyLCModel = &board.Model{
	Name: "Teensy LC",
	MCU:  "mkl26z64",

	Usage: 0x20,

	CodeSize:  63488,
	Variant:   board.VariantARM,
	BlockSize: 512,
}

var teensy32Model = &board.Model{
	Name: "Teensy 3.2",
	MCU:  "mk20dx256",

	Usage: 0x21,

	CodeSize:  262144,
	Variant:   board.VariantARM,
	BlockSize: 1024,
}

var teensyK64Model = &board.Model{
	Name: "Teensy 3.4",
	MCU:  "mk64fx512",

	Usage: 0x23,

	CodeSize:  524288,
	Variant:   board.VariantARM,
	BlockSize: 1024,
}

var teensyK66Model = &board.Model{
	Name: "Teensy 3.5",
	MCU:  "mk66fx1m0",

	Usage: 0x22,

	CodeSize:  1048576,
	Variant:   board.VariantARM,
	BlockSize: 1024,
}

var teensyModels = []*board.Model{
	teensyPP10Model,
	teensy20Model,
	teensyPP20Model,
	teensy30Model,
	teensy31Model,
	teensyLCModel,
	teensy32Model,
	teensyK64Model,
	teensyK66Model,
}

// signature marks a firmware image as compiled for a model. Several models
// share a magic; a higher priority entry overrides lower ones.
type signature struct {
	magic    uint64
	model    *board.Model
	priority int
}

var signatures = []signature{
	{0x0C94007EFFCFF894, teensyPP10Model, 0},
	{0x0C94003FFFCFF894, teensy20Model, 0},
	{0x0C9400FEFFCFF894, teensyPP20Model, 0},
	{0x38800440823F0400, teensy30Model, 0},
	{0x30800440823F0400, teensy31Model, 0},
	{0x34800440823F0000, teensyLCModel, 0},
	{0x30800440823F0400, teensy32Model, 0},
	{0x0100002B88ED00E0, teensyK64Model, 1},
	{0x002008E003000085, teensyK66Model, 2},
}

// family implements board.Family.
type family struct{}

// Family is the Teensy board family.
var Family board.Family = family{}

func (family) Name() string { return "Teensy" }

func (family) Models() []*board.Model {
	out := make([]*board.Model, len(teensyModels))
	copy(out, teensyModels)
	return out
}

// identifyModel resolves a bootloader HID usage value to a model.
func identifyModel(usage uint16) *board.Model {
	for _, m := range teensyModels {
		if m.Usage == usage {
			if board.Debug {
				log.Printf("[teensy] identified '%s' with usage value 0x%X", m.Name, usage)
			}
			return m
		}
	}
	if board.Debug {
		log.Printf("[teensy] unknown Teensy model with usage value 0x%X", usage)
	}
	return nil
}

// GuessModels scans the image for model signatures. All candidates at the
// highest priority seen are returned, up to max.
func (family) GuessModels(fw *firmware.Firmware, max int) []*board.Model {
	image := fw.Image()
	if len(image) < 8 {
		return nil
	}

	// Naive scan with every signature; fine unless thousands of models
	// appear.
	priority := 0
	var guesses []*board.Model
	for i := 0; i+8 <= len(image); i++ {
		w := uint64(image[i])<<56 | uint64(image[i+1])<<48 |
			uint64(image[i+2])<<40 | uint64(image[i+3])<<32 |
			uint64(image[i+4])<<24 | uint64(image[i+5])<<16 |
			uint64(image[i+6])<<8 | uint64(image[i+7])
		for _, sig := range signatures {
			if w != sig.magic || sig.priority < priority {
				continue
			}
			if sig.priority > priority {
				priority = sig.priority
				guesses = guesses[:0]
			}
			// Keep scanning past max: a higher priority match may still
			// clear the list.
			if len(guesses) < max {
				guesses = append(guesses, sig.model)
			}
		}
	}
	return guesses
}

func init() {
	board.RegisterFamily(Family)
}
