package wire

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/blue-transfer/util"
)

const advertisingFile = "advertising.json"

// Advertisement is what a scanning central learns about a device
type Advertisement struct {
	ID          string
	Name        string
	Services    []string
	RSSI        int
	Connectable bool
}

// HasService reports whether serviceID is advertised (case-insensitive)
func (a Advertisement) HasService(serviceID string) bool {
	return slices.ContainsFunc(a.Services, func(s string) bool {
		return strings.EqualFold(s, serviceID)
	})
}

func (w *Wire) advertisingPath(id string) string {
	return filepath.Join(util.DeviceDir(w.opts.DataDir, id), advertisingFile)
}

// WriteAdvertisement publishes our advertising record
// Real BLE: this sets what we broadcast in advertising packets
func (w *Wire) WriteAdvertisement(adv Advertisement) error {
	services := make([]any, len(adv.Services))
	for i, s := range adv.Services {
		services[i] = s
	}
	record, err := structpb.NewStruct(map[string]any{
		"name":        adv.Name,
		"services":    services,
		"rssi":        float64(adv.RSSI),
		"connectable": adv.Connectable,
	})
	if err != nil {
		return fmt.Errorf("failed to build advertising record: %w", err)
	}

	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal advertising record: %w", err)
	}

	deviceDir := util.DeviceDir(w.opts.DataDir, w.id)
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("failed to create device directory: %w", err)
	}

	// Write then rename so a scanner never sees half a record
	path := w.advertisingPath(w.id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", advertisingFile, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish %s: %w", advertisingFile, err)
	}
	return nil
}

// RemoveAdvertisement stops advertising
func (w *Wire) RemoveAdvertisement() error {
	err := os.Remove(w.advertisingPath(w.id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadAdvertisement reads the advertising record of device id
// Real BLE: this simulates receiving an advertising packet "over the air"
func (w *Wire) ReadAdvertisement(id string) (Advertisement, error) {
	data, err := os.ReadFile(w.advertisingPath(id))
	if err != nil {
		return Advertisement{}, err
	}

	var record structpb.Struct
	if err := protojson.Unmarshal(data, &record); err != nil {
		return Advertisement{}, fmt.Errorf("failed to parse %s for %s: %w", advertisingFile, util.ShortID(id), err)
	}

	fields := record.GetFields()
	adv := Advertisement{
		ID:          id,
		Name:        fields["name"].GetStringValue(),
		RSSI:        int(fields["rssi"].GetNumberValue()),
		Connectable: fields["connectable"].GetBoolValue(),
	}
	for _, v := range fields["services"].GetListValue().GetValues() {
		adv.Services = append(adv.Services, v.GetStringValue())
	}
	return adv, nil
}

// ListAvailableDevices scans the socket directory and returns the IDs of
// every other device that is listening
func (w *Wire) ListAvailableDevices() []string {
	pattern := filepath.Join(w.socketDir, socketPrefix+"*"+socketSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}

	devices := make([]string, 0, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		id := strings.TrimSuffix(strings.TrimPrefix(name, socketPrefix), socketSuffix)
		if id != "" && id != w.id {
			devices = append(devices, id)
		}
	}
	return devices
}
