// Command `teensyhost-server` runs the board manager web UI + HTTP API
// locally.
//
// It watches the USB buses for Teensy boards, serves their state as JSON,
// streams change and flash events over WebSocket, and accepts firmware
// uploads to flash through HalfKay.
//
// Flags:
//
//	-addr: TCP address to listen on (default 127.0.0.1:8080)
//	-web:  optional path to a web root with index.html
//	-poll: USB poll interval
//	-open: open the UI URL in your default browser at startup
//
// Env:
//
//	TEENSYHOST_NO_OPEN=1 disables browser auto-open even when -open is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/hotplug"
	"github.com/CK6170/teensyhost-go/internal/server"
	_ "github.com/CK6170/teensyhost-go/teensy"
)

func main() {
	var (
		addr  = flag.String("addr", "127.0.0.1:8080", "http listen address")
		web   = flag.String("web", "", "path to web root (index.html), optional")
		poll  = flag.Duration("poll", hotplug.DefaultPollInterval, "usb poll interval")
		open  = flag.Bool("open", false, "open the web UI in your default browser on startup")
		debug = flag.Bool("debug", false, "log device classification")
	)
	flag.Parse()

	board.Debug = *debug

	monitor, err := board.NewMonitor(hotplug.NewPoller(*poll), board.ParallelWait)
	if err != nil {
		log.Fatalf("Failed to start USB monitoring: %v", err)
	}
	defer monitor.Close()

	s := server.New(monitor, *web)
	go s.Run(context.Background())

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *addr, err)
	}

	uiURL := makeUIURL(*addr)
	log.Printf("Serving on http://%s", *addr)
	log.Printf("UI:        %s", uiURL)

	// Open browser unless disabled by flag or env var.
	if *open && os.Getenv("TEENSYHOST_NO_OPEN") == "" {
		if err := openBrowser(uiURL); err != nil {
			log.Printf("WARN: failed to open browser: %v", err)
		}
	}

	if err := http.Serve(ln, s.Handler()); err != nil {
		fmt.Println(err)
	}
}

// makeUIURL turns a listen address (host:port) into a browser-friendly URL.
// Wildcard addresses are not reachable targets in browsers, so they map to
// 127.0.0.1.
func makeUIURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("http://%s/", strings.TrimSpace(addr))
	}
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s/", host, port)
}

// openBrowser tries to open the given URL in the OS default browser. It is
// non-blocking so server startup is not delayed by browser behavior.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "windows":
		// `start` is a cmd.exe built-in. The empty title argument prevents
		// quoting issues.
		return exec.Command("cmd", "/c", "start", "", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
