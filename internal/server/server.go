// Package server implements the local web UI backend: a JSON API over the
// board monitor plus a WebSocket stream of board and flash events.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/errs"
	"github.com/CK6170/teensyhost-go/firmware"
)

// Server wires the monitor to HTTP handlers and the WebSocket hub.
type Server struct {
	mux *http.ServeMux

	monitor *board.Monitor
	store   *FirmwareStore
	hub     *WSHub

	// One flash at a time; the bootloader cannot interleave uploads.
	flashMu sync.Mutex
}

// New builds a server around an existing monitor. When webDir is non-empty,
// static assets are served from it.
func New(monitor *board.Monitor, webDir string) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		monitor: monitor,
		store:   NewFirmwareStore(),
		hub:     NewWSHub(),
	}

	monitor.RegisterCallback(func(b *board.Board, e board.Event) (bool, error) {
		s.hub.Broadcast("board", BoardEvent{Event: e.String(), Board: boardInfo(b)})
		return false, nil
	})

	// API
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/boards", s.handleBoards)
	s.mux.HandleFunc("/api/boards/reboot", s.handleReboot)
	s.mux.HandleFunc("/api/boards/reset", s.handleReset)
	s.mux.HandleFunc("/api/upload/firmware", s.handleUploadFirmware)
	s.mux.HandleFunc("/api/flash/start", s.handleFlashStart)

	// WS
	s.mux.HandleFunc("/ws", s.handleWS)

	// Static frontend
	if webDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(webDir)))
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run drives the monitor's refresh cycle until ctx is cancelled. It must run
// on its own goroutine; the monitor should be created with ParallelWait so
// API handlers can wait on it.
func (s *Server) Run(ctx context.Context) {
	if err := s.monitor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("monitor stopped: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Mode, errs.Range, errs.Firmware, errs.Unsupported:
		status = http.StatusConflict
	case errs.Access:
		status = http.StatusForbidden
	}
	s.writeJSON(w, status, APIError{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, APIError{Error: "GET only"})
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{OK: true, Timestamp: time.Now()})
}

func (s *Server) handleBoards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, APIError{Error: "GET only"})
		return
	}
	out := []BoardInfo{}
	for _, b := range s.monitor.BoardList() {
		out = append(out, boardInfo(b))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// lookupBoard resolves a request tag, tolerating the empty tag when exactly
// one board is attached.
func (s *Server) lookupBoard(tag string) (*board.Board, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		boards := s.monitor.BoardList()
		if len(boards) == 1 {
			return boards[0], nil
		}
		return nil, errs.New(errs.NotFound, "%d boards attached, pick one by tag", len(boards))
	}
	b := s.monitor.FindBoard(tag)
	if b == nil {
		return nil, errs.New(errs.NotFound, "no board with tag '%s'", tag)
	}
	return b, nil
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	s.handleBoardOp(w, r, (*board.Board).Reboot)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.handleBoardOp(w, r, (*board.Board).Reset)
}

func (s *Server) handleBoardOp(w http.ResponseWriter, r *http.Request, op func(*board.Board) error) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, APIError{Error: "POST only"})
		return
	}
	var req BoardRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, APIError{Error: err.Error()})
		return
	}
	b, err := s.lookupBoard(req.Tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := op(b); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, boardInfo(b))
}

func (s *Server) handleUploadFirmware(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, APIError{Error: "POST only"})
		return
	}
	file, header, err := r.FormFile("firmware")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, APIError{Error: err.Error()})
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, 8<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, APIError{Error: err.Error()})
		return
	}

	fw := firmware.New(header.Filename, image)
	rec, err := s.store.Put(fw, header.Filename)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := UploadResponse{FirmwareID: rec.ID, Name: fw.Name(), Size: fw.Size()}
	for _, m := range board.IdentifyFirmware(fw) {
		resp.Models = append(resp.Models, m.Name)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlashStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, APIError{Error: "POST only"})
		return
	}
	var req FlashRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, APIError{Error: err.Error()})
		return
	}

	rec, ok := s.store.Get(req.FirmwareID)
	if !ok {
		s.writeError(w, errs.New(errs.NotFound, "unknown firmware id"))
		return
	}
	b, err := s.lookupBoard(req.Tag)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var flags board.UploadFlags
	if req.NoCheck {
		flags |= board.UploadNoCheck
	}

	// The flash runs in the background; clients follow it on the WebSocket.
	go func() {
		s.flashMu.Lock()
		defer s.flashMu.Unlock()

		tracker := newFlashProgressTracker(b.Tag(), rec.FW, s.hub)
		err := b.Upload(rec.FW, flags, tracker.observe)
		tracker.finish(err)
		if err != nil {
			log.Printf("flash of %s onto '%s' failed: %v", rec.FW.Name(), b.Tag(), err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, boardInfo(b))
}
