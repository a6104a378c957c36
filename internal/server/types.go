package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/CK6170/teensyhost-go/board"
)

// APIError is the canonical error envelope returned by JSON endpoints.
// The frontend expects the `error` field and surfaces it to the user.
type APIError struct {
	Error string `json:"error"`
}

// HealthResponse is returned by /api/health to confirm the server is running.
type HealthResponse struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// BoardInfo is the JSON view of one board.
type BoardInfo struct {
	ID           string   `json:"id"`
	Tag          string   `json:"tag"`
	Location     string   `json:"location"`
	Serial       uint64   `json:"serial"`
	Description  string   `json:"description,omitempty"`
	Model        string   `json:"model"`
	State        string   `json:"state"`
	VID          string   `json:"vid"`
	PID          string   `json:"pid"`
	Capabilities []string `json:"capabilities"`
	Interfaces   []string `json:"interfaces"`
}

func boardInfo(b *board.Board) BoardInfo {
	info := BoardInfo{
		ID:          b.ID(),
		Tag:         b.Tag(),
		Location:    b.Location(),
		Serial:      b.Serial(),
		Description: b.Description(),
		Model:       b.Model().String(),
		State:       b.State().String(),
		VID:         fmt.Sprintf("%04x", b.VID()),
		PID:         fmt.Sprintf("%04x", b.PID()),
	}
	if caps := b.Capabilities().String(); caps != "" {
		info.Capabilities = strings.Split(caps, ",")
	}
	for _, iface := range b.Interfaces() {
		info.Interfaces = append(info.Interfaces, iface.Name)
	}
	return info
}

// BoardEvent is broadcast over the WebSocket on every monitor event.
type BoardEvent struct {
	Event string    `json:"event"`
	Board BoardInfo `json:"board"`
}

// UploadResponse is returned after a firmware upload; FirmwareID is the
// opaque id used to start a flash.
type UploadResponse struct {
	FirmwareID string   `json:"firmwareId"`
	Name       string   `json:"name"`
	Size       int      `json:"size"`
	Models     []string `json:"models,omitempty"`
}

// FlashRequest starts flashing a stored firmware onto a board.
type FlashRequest struct {
	FirmwareID string `json:"firmwareId"`
	Tag        string `json:"tag"`
	NoCheck    bool   `json:"noCheck,omitempty"`
}

// BoardRequest addresses a board by tag for reboot/reset.
type BoardRequest struct {
	Tag string `json:"tag"`
}

// FlashProgress is streamed over the WebSocket while an upload runs.
type FlashProgress struct {
	Tag      string  `json:"tag"`
	Firmware string  `json:"firmware"`
	Uploaded int     `json:"uploaded"`
	Total    int     `json:"total"`
	Rate     float64 `json:"rate"`          // bytes per second, smoothed
	ETA      float64 `json:"eta,omitempty"` // seconds remaining
	Done     bool    `json:"done,omitempty"`
	Error    string  `json:"error,omitempty"`
}
