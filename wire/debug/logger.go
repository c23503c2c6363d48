// Package debug writes a JSONL trace of every frame a device sends or
// receives. The files are write-only and never read back by the link.
package debug

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// EnvVar turns frame logging on when set to "1"
const EnvVar = "WIRE_DEBUG"

// Enabled reports whether frame logging was requested through the environment
func Enabled() bool {
	return os.Getenv(EnvVar) == "1"
}

// FrameLog is one logged frame
type FrameLog struct {
	Direction string // "tx" or "rx"
	Peer      string
	Type      string
	Service   string
	Channel   string
	Flag      uint64
	IDs       []string
	Data      []byte
}

// FrameLogger appends FrameLog entries to {deviceDir}/debug/frames.jsonl.
// A nil or disabled logger does nothing.
type FrameLogger struct {
	mu   sync.Mutex
	file *os.File
	log  zerolog.Logger
}

// NewFrameLogger opens the frame log under deviceDir
// Debug logging is best-effort: when the file cannot be opened it returns nil
func NewFrameLogger(deviceDir string, enabled bool) *FrameLogger {
	if !enabled {
		return nil
	}

	debugDir := filepath.Join(deviceDir, "debug")
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(debugDir, "frames.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil
	}

	return &FrameLogger{
		file: f,
		log:  zerolog.New(f).With().Timestamp().Logger(),
	}
}

// Log writes one entry
func (d *FrameLogger) Log(entry FrameLog) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ev := d.log.Log().
		Str("direction", entry.Direction).
		Str("peer", entry.Peer).
		Str("type", entry.Type)
	if entry.Service != "" {
		ev = ev.Str("service", entry.Service)
	}
	if entry.Channel != "" {
		ev = ev.Str("channel", entry.Channel)
	}
	if entry.Flag != 0 {
		ev = ev.Uint64("flag", entry.Flag)
	}
	if len(entry.IDs) > 0 {
		ev = ev.Strs("ids", entry.IDs)
	}
	if entry.Data != nil {
		ev = ev.Int("data_len", len(entry.Data)).Str("data_hex", hex.EncodeToString(entry.Data))
	}
	ev.Msg("")
}

// Close flushes and closes the log file
func (d *FrameLogger) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
