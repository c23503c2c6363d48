package util

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the default data directory
const DataDirEnv = "BLUE_TRANSFER_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".blue-transfer-data")
}

// GetDeviceCacheDir returns the cache directory for a specific device
// Advertising records and debug logs live here
func GetDeviceCacheDir(deviceID string) string {
	return DeviceDir(GetDataDir(), deviceID)
}

// GetInboxDir returns the default location of the received-message archive
func GetInboxDir(deviceID string) string {
	return filepath.Join(GetDeviceCacheDir(deviceID), "inbox")
}

// DeviceDir returns the per-device directory under dataDir
func DeviceDir(dataDir, deviceID string) string {
	return filepath.Join(dataDir, deviceID)
}

// SocketDir returns the socket directory under dataDir, creating it
func SocketDir(dataDir string) (string, error) {
	socketDir := filepath.Join(dataDir, "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return "", err
	}
	return socketDir, nil
}

// ShortID safely truncates an identifier for logging (max 8 chars)
func ShortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
