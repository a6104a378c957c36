package server

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/firmware"
)

// rateWindow is how many recent block timings feed the throughput estimate.
const rateWindow = 16

// flashProgressTracker turns per-block upload callbacks into smoothed
// progress events. The instantaneous block rate is noisy (the first block
// pays the erase, later ones the pacing delay), so the estimate averages a
// sliding window of block throughputs.
type flashProgressTracker struct {
	tag      string
	fw       *firmware.Firmware
	hub      *WSHub
	last     time.Time
	lastDone int
	samples  []float64
}

func newFlashProgressTracker(tag string, fw *firmware.Firmware, hub *WSHub) *flashProgressTracker {
	return &flashProgressTracker{tag: tag, fw: fw, hub: hub}
}

// observe is a board.ProgressFunc.
func (t *flashProgressTracker) observe(b *board.Board, fw *firmware.Firmware, uploaded int) error {
	now := time.Now()
	if uploaded > 0 {
		elapsed := now.Sub(t.last).Seconds()
		if elapsed > 0 {
			t.samples = append(t.samples, float64(uploaded-t.lastDone)/elapsed)
			if len(t.samples) > rateWindow {
				t.samples = t.samples[len(t.samples)-rateWindow:]
			}
		}
	}
	t.last = now
	t.lastDone = uploaded

	progress := FlashProgress{
		Tag:      t.tag,
		Firmware: fw.Name(),
		Uploaded: uploaded,
		Total:    fw.Size(),
	}
	if len(t.samples) > 0 {
		rate := stat.Mean(t.samples, nil)
		progress.Rate = rate
		if rate > 0 {
			progress.ETA = float64(fw.Size()-uploaded) / rate
		}
	}
	t.hub.Broadcast("flash", progress)
	return nil
}

// finish broadcasts the terminal event for the flash, successful or not.
func (t *flashProgressTracker) finish(err error) {
	progress := FlashProgress{
		Tag:      t.tag,
		Firmware: t.fw.Name(),
		Uploaded: t.lastDone,
		Total:    t.fw.Size(),
		Done:     err == nil,
	}
	if err != nil {
		progress.Error = err.Error()
	}
	t.hub.Broadcast("flash", progress)
}
