// Package firmware holds firmware images in memory.
//
// Loading from files or decoding container formats is a concern of the caller;
// this package only carries the raw image so uploads and identification work
// on one representation.
package firmware

// Firmware is an immutable firmware image.
type Firmware struct {
	name  string
	image []byte
}

// New wraps an image. The slice is copied so callers may reuse their buffer.
func New(name string, image []byte) *Firmware {
	img := make([]byte, len(image))
	copy(img, image)
	return &Firmware{name: name, image: img}
}

func (f *Firmware) Name() string { return f.name }

// Image returns the raw firmware bytes. Callers must not modify the slice.
func (f *Firmware) Image() []byte { return f.image }

func (f *Firmware) Size() int { return len(f.image) }
