package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDataDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)

	if got := GetDataDir(); got != dir {
		t.Errorf("GetDataDir() = %q, want %q", got, dir)
	}
	if got := GetDeviceCacheDir("abc"); got != filepath.Join(dir, "abc") {
		t.Errorf("GetDeviceCacheDir() = %q", got)
	}
	if got := GetInboxDir("abc"); got != filepath.Join(dir, "abc", "inbox") {
		t.Errorf("GetInboxDir() = %q", got)
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "abc"},
		{"12345678", "12345678"},
		{"E20A39F4-73F5-4BC4-A12F-17D1AD07A961", "E20A39F4"},
	}
	for _, tt := range tests {
		if got := ShortID(tt.in); got != tt.want {
			t.Errorf("ShortID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExplicitDataDir(t *testing.T) {
	dir := t.TempDir()

	if got := DeviceDir(dir, "dev"); got != filepath.Join(dir, "dev") {
		t.Errorf("DeviceDir() = %q", got)
	}
	socketDir, err := SocketDir(dir)
	if err != nil {
		t.Fatalf("SocketDir: %v", err)
	}
	if socketDir != filepath.Join(dir, "sockets") {
		t.Errorf("SocketDir() = %q", socketDir)
	}
	if _, err := os.Stat(socketDir); err != nil {
		t.Errorf("socket dir not created: %v", err)
	}
}
