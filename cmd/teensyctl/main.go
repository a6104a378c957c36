// Command `teensyctl` is an interactive terminal front-end for the board
// manager. It shows attached Teensy boards live and drives reboot, reset and
// firmware upload with single key presses.
//
// Usage:
//
//	teensyctl [-fw firmware.bin] [-board tag] [-poll interval] [-debug]
//
// Keys:
//
//	u  upload the firmware passed with -fw
//	b  reboot the board into the bootloader
//	r  reset the board (leave the bootloader)
//	l  redraw the board list
//	q / ESC  quit
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/firmware"
	"github.com/CK6170/teensyhost-go/hotplug"
	_ "github.com/CK6170/teensyhost-go/teensy"
	"github.com/CK6170/teensyhost-go/ui"
)

func main() {
	var (
		fwPath   = flag.String("fw", "", "firmware image to upload (raw binary)")
		boardTag = flag.String("board", "", "board tag to operate on (default: the only board)")
		poll     = flag.Duration("poll", hotplug.DefaultPollInterval, "usb poll interval")
		debug    = flag.Bool("debug", false, "log device classification")
	)
	flag.Parse()

	board.Debug = *debug

	var fw *firmware.Firmware
	if *fwPath != "" {
		image, err := os.ReadFile(*fwPath)
		if err != nil {
			log.Fatalf("Cannot read firmware: %v", err)
		}
		fw = firmware.New(*fwPath, image)
		if models := board.IdentifyFirmware(fw); len(models) > 0 {
			ui.Greenf("Firmware %s looks compiled for %s\n", *fwPath, models[0].Name)
		}
	}

	monitor, err := board.NewMonitor(hotplug.NewPoller(*poll), board.ParallelWait)
	if err != nil {
		log.Fatalf("Failed to start USB monitoring: %v", err)
	}
	defer monitor.Close()

	monitor.RegisterCallback(func(b *board.Board, e board.Event) (bool, error) {
		fmt.Printf("%-12s %s\n", e, describeBoard(b))
		return false, nil
	})

	// Background refresher; the main goroutine only reads keys and runs
	// board operations.
	go func() {
		if err := monitor.Run(context.Background()); err != nil {
			ui.Errorf("monitor error: %v\n", err)
		}
	}()

	keys, stopKeys, err := ui.StartKeyEvents()
	if err != nil {
		log.Fatalf("Cannot read the terminal: %v", err)
	}
	defer stopKeys()

	ui.Greenf("Watching for Teensy boards. Press 'l' to list, 'u' to upload, 'b' to reboot, 'r' to reset, 'q' to quit.\n")

	for key := range keys {
		switch key {
		case 'q', 'Q', ui.KeyEsc:
			return

		case 'l', 'L':
			listBoards(monitor)

		case 'b', 'B':
			withBoard(monitor, *boardTag, func(b *board.Board) error {
				ui.Greenf("Rebooting '%s' into the bootloader\n", b.Tag())
				return b.Reboot()
			})

		case 'r', 'R':
			withBoard(monitor, *boardTag, func(b *board.Board) error {
				ui.Greenf("Resetting '%s'\n", b.Tag())
				return b.Reset()
			})

		case 'u', 'U':
			if fw == nil {
				ui.Warningf("No firmware loaded, pass one with -fw\n")
				continue
			}
			withBoard(monitor, *boardTag, func(b *board.Board) error {
				return upload(b, fw)
			})
		}
	}
}

func describeBoard(b *board.Board) string {
	return fmt.Sprintf("%-24s %-12s %-10s %s", b.Tag(), b.Model(), b.State(), b.Capabilities())
}

func listBoards(monitor *board.Monitor) {
	boards := monitor.BoardList()
	if len(boards) == 0 {
		ui.Warningf("No boards attached\n")
		return
	}
	for _, b := range boards {
		fmt.Println(describeBoard(b))
	}
}

// withBoard resolves the target board and reports operation errors without
// exiting, so one failure does not kill the session.
func withBoard(monitor *board.Monitor, tag string, op func(*board.Board) error) {
	var b *board.Board
	if tag != "" {
		b = monitor.FindBoard(tag)
	} else if boards := monitor.BoardList(); len(boards) == 1 {
		b = boards[0]
	} else if len(boards) > 1 {
		ui.Warningf("Several boards attached, pick one with -board\n")
		return
	}
	if b == nil {
		ui.Warningf("No such board\n")
		return
	}
	if err := op(b); err != nil {
		ui.Errorf("%v\n", err)
	}
}

// upload waits for the bootloader if needed, rebooting the board first when
// it is still running firmware.
func upload(b *board.Board, fw *firmware.Firmware) error {
	if !b.HasCapability(board.CapabilityUpload) && b.HasCapability(board.CapabilityReboot) {
		ui.Greenf("Rebooting '%s' into the bootloader\n", b.Tag())
		if err := b.Reboot(); err != nil {
			return err
		}
		ok, err := b.WaitFor(board.CapabilityUpload, 8*time.Second)
		if err != nil {
			return err
		}
		if !ok {
			ui.Warningf("Board did not come back in bootloader mode\n")
			return nil
		}
	}

	start := time.Now()
	err := b.Upload(fw, 0, func(b *board.Board, fw *firmware.Firmware, uploaded int) error {
		ui.Progressf("Uploading", uploaded, fw.Size())
		return nil
	})
	if err != nil {
		fmt.Println()
		return err
	}
	ui.Donef("Uploaded %d bytes in %.1fs\n", fw.Size(), time.Since(start).Seconds())

	ui.Greenf("Resetting '%s'\n", b.Tag())
	return b.Reset()
}
