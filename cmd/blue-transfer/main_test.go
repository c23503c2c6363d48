package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/user/blue-transfer/config"
	"github.com/user/blue-transfer/inbox"
)

const (
	senderID   = "11111111-2222-4333-8444-555555555555"
	receiverID = "AAAAAAAA-BBBB-4CCC-8DDD-EEEEEEEEEEEE"
)

// Socket paths must stay short, so no t.TempDir
func newTestDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "btc")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func execute(ctx context.Context, out io.Writer, args ...string) error {
	cmd := newRootCmd(viper.New())
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(ctx)
}

func TestResolveConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	err := os.WriteFile(path, []byte("name = \"From File\"\nlog_level = \"warn\"\nmtu = 100\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	cmd := newRootCmd(v)
	if err := cmd.PersistentFlags().Parse([]string{"--config", path, "--log-level", "debug", "--device-id", senderID}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := resolveConfig(v)
	if err != nil {
		t.Fatalf("resolveConfig failed: %v", err)
	}
	if cfg.Name != "From File" {
		t.Errorf("Name = %q, want value from file", cfg.Name)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, flag should win over file", cfg.LogLevel)
	}
	if cfg.MTU != 100 {
		t.Errorf("MTU = %d, want 100", cfg.MTU)
	}
	if cfg.DeviceID != senderID {
		t.Errorf("DeviceID = %q", cfg.DeviceID)
	}
	if cfg.ServiceID != config.DefaultServiceID {
		t.Errorf("ServiceID = %q, want default", cfg.ServiceID)
	}
}

func TestResolveConfigRejectsInvalid(t *testing.T) {
	v := viper.New()
	cmd := newRootCmd(v)
	if err := cmd.PersistentFlags().Parse([]string{"--device-id", "not-a-uuid"}); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveConfig(v); err == nil {
		t.Error("expected an invalid device ID to be rejected")
	}
}

func TestDeviceID(t *testing.T) {
	if got := deviceID(config.Config{DeviceID: strings.ToLower(senderID)}); got != senderID {
		t.Errorf("deviceID = %q, want %q", got, senderID)
	}
	a, b := deviceID(config.Config{}), deviceID(config.Config{})
	if a == "" || a == b {
		t.Errorf("generated IDs %q and %q should be distinct", a, b)
	}
}

func TestInboxDir(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"explicit", config.Config{InboxDir: "/x/inbox", DataDir: "/d"}, "/x/inbox"},
		{"under data dir", config.Config{DataDir: "/d"}, filepath.Join("/d", senderID, "inbox")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inboxDir(tt.cfg, senderID); got != tt.want {
				t.Errorf("inboxDir = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadPayload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "msg.txt")
	os.WriteFile(file, []byte("from file"), 0644)

	tests := []struct {
		name    string
		message string
		file    string
		want    string
		wantErr bool
	}{
		{"message", "hello", "", "hello", false},
		{"file", "", file, "from file", false},
		{"missing file", "", file + ".gone", "", true},
		{"neither", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPayload(tt.message, tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCounter(t *testing.T) {
	c := newCounter(3)
	c.add(2)
	select {
	case <-c.done:
		t.Fatal("done closed early")
	default:
	}
	c.add(2)
	c.add(1) // Must not close twice
	select {
	case <-c.done:
	default:
		t.Fatal("done should be closed")
	}
	if c.value() != 5 {
		t.Errorf("value = %d, want 5", c.value())
	}

	unbounded := newCounter(0)
	unbounded.add(100)
	select {
	case <-unbounded.done:
		t.Error("a zero target never completes")
	default:
	}
}

func TestPreview(t *testing.T) {
	if got := preview([]byte("short")); got != "short" {
		t.Errorf("preview = %q", got)
	}
	long := strings.Repeat("é", 50)
	if got := preview([]byte(long)); got != strings.Repeat("é", 40)+"…" {
		t.Errorf("preview = %q", got)
	}
}

func TestInboxList(t *testing.T) {
	dir := newTestDir(t)
	inboxPath := filepath.Join(dir, receiverID, "inbox")

	store, err := inbox.Open(inboxPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	base := time.Unix(1700000000, 0)
	for i, text := range []string{"first", "second", "third"} {
		store.Put(context.Background(), inbox.Message{
			Peer:       senderID,
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
			Payload:    []byte(text),
		})
	}
	store.Close()

	var out bytes.Buffer
	err = execute(context.Background(), &out, "inbox", "list", "--limit", "2", "--data-dir", dir, "--device-id", receiverID)
	if err != nil {
		t.Fatalf("inbox list failed: %v", err)
	}

	text := out.String()
	if strings.Contains(text, "first") {
		t.Errorf("limit 2 should drop the oldest message:\n%s", text)
	}
	if !strings.Contains(text, "second") || !strings.Contains(text, "third") {
		t.Errorf("missing messages:\n%s", text)
	}
	if strings.Index(text, "second") > strings.Index(text, "third") {
		t.Errorf("messages should be oldest first:\n%s", text)
	}
}

func TestInboxListNeedsDevice(t *testing.T) {
	err := execute(context.Background(), io.Discard, "inbox", "list", "--data-dir", newTestDir(t))
	if err == nil {
		t.Error("expected an error without a device ID")
	}
}

func TestSendReceive(t *testing.T) {
	dir := newTestDir(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sendCtx, stopSend := context.WithCancel(ctx)
	defer stopSend()
	sendDone := make(chan error, 1)
	go func() {
		sendDone <- execute(sendCtx, io.Discard, "send",
			"--data-dir", dir, "--device-id", senderID, "--log-level", "error",
			"--message", strings.Repeat("chunked ", 40))
	}()

	var out bytes.Buffer
	err := execute(ctx, &out, "receive",
		"--data-dir", dir, "--device-id", receiverID, "--log-level", "error",
		"--count", "1", "--archive")
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("timed out waiting for the message")
	}
	if !strings.Contains(out.String(), strings.Repeat("chunked ", 40)) {
		t.Errorf("receive output = %q", out.String())
	}

	stopSend()
	if err := <-sendDone; err != nil {
		t.Errorf("send failed: %v", err)
	}

	store, err := inbox.Open(filepath.Join(dir, receiverID, "inbox"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()
	n, err := store.Count(context.Background())
	if err != nil || n != 1 {
		t.Errorf("archived %d messages (%v), want 1", n, err)
	}
}
