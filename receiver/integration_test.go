package receiver_test

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/user/blue-transfer/config"
	"github.com/user/blue-transfer/receiver"
	"github.com/user/blue-transfer/sender"
	"github.com/user/blue-transfer/transfer"
	"github.com/user/blue-transfer/wire"
)

const (
	senderID = "5E4DE400-0000-4000-8000-000000000001"
	aliceID  = "A11CE000-0000-4000-8000-000000000002"
	bobID    = "B0B00000-0000-4000-8000-000000000003"
)

// Socket paths must stay short, so no t.TempDir
func newDataDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bte")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startWire(t *testing.T, dir, id string, mtu int) *wire.Wire {
	t.Helper()
	w := wire.New(id, wire.Options{DataDir: dir, MTU: mtu, ScanInterval: 20 * time.Millisecond})
	if err := w.Start(); err != nil {
		t.Fatalf("Start %s failed: %v", id, err)
	}
	t.Cleanup(w.Stop)
	return w
}

type device struct {
	messages chan []byte
	ready    chan string
	rcv      *receiver.Receiver
}

func startReceiver(t *testing.T, dir, id string, mtu int) *device {
	t.Helper()
	d := &device{messages: make(chan []byte, 8), ready: make(chan string, 8)}
	d.rcv = receiver.New(wire.NewCentral(startWire(t, dir, id, mtu)), receiver.Config{
		LocalID:   id,
		ServiceID: config.DefaultServiceID,
		ChannelID: config.DefaultChannelID,
	}, receiver.Handler{
		OnMessage: func(_ string, payload []byte) { d.messages <- payload },
		OnReady:   func(peer string) { d.ready <- peer },
	})
	d.rcv.Start()
	t.Cleanup(d.rcv.Stop)
	return d
}

func expect[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestE2ELateJoinerGetsLatest(t *testing.T) {
	dir := newDataDir(t)

	inbound := make(chan []byte, 8)
	snd := sender.New(wire.NewPeripheral(startWire(t, dir, senderID, wire.DefaultMTU)), sender.Config{
		LocalID:   senderID,
		ServiceID: config.DefaultServiceID,
		ChannelID: config.DefaultChannelID,
		Policy:    transfer.PolicyReplace,
	}, sender.Handler{
		OnMessage: func(_ string, payload []byte) { inbound <- payload },
	})
	snd.Start()
	t.Cleanup(snd.Stop)

	first := bytes.Repeat([]byte("first state "), 30)
	snd.Send(first)

	alice := startReceiver(t, dir, aliceID, wire.PreferredMTU)
	if peer := expect(t, alice.ready, "alice ready"); peer != senderID {
		t.Errorf("alice peer = %s, want %s", peer, senderID)
	}
	if got := expect(t, alice.messages, "first message"); !bytes.Equal(got, first) {
		t.Fatalf("alice got %d bytes, want %d", len(got), len(first))
	}

	second := bytes.Repeat([]byte("second state "), 30)
	snd.Send(second)
	if got := expect(t, alice.messages, "second message"); !bytes.Equal(got, second) {
		t.Fatalf("alice got %q", got)
	}

	bob := startReceiver(t, dir, bobID, wire.PreferredMTU)
	expect(t, bob.ready, "bob ready")
	if got := expect(t, bob.messages, "latest message"); !bytes.Equal(got, second) {
		t.Errorf("late joiner got %q, want the latest message", got)
	}

	// Write back over the same channel
	reply := bytes.Repeat([]byte("ack "), 50)
	bob.rcv.Send(reply)
	if got := expect(t, inbound, "reply"); !bytes.Equal(got, reply) {
		t.Errorf("sender got %q", got)
	}

	select {
	case extra := <-alice.messages:
		t.Errorf("alice got an extra message %q", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestE2ESmallMTU(t *testing.T) {
	dir := newDataDir(t)

	snd := sender.New(wire.NewPeripheral(startWire(t, dir, senderID, wire.PreferredMTU)), sender.Config{
		LocalID:   senderID,
		ServiceID: config.DefaultServiceID,
		ChannelID: config.DefaultChannelID,
	}, sender.Handler{})
	snd.Start()
	t.Cleanup(snd.Stop)

	// Larger than the transmit queue many times over, so backpressure is exercised
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	snd.Send(payload)

	alice := startReceiver(t, dir, aliceID, wire.DefaultMTU)
	if got := expect(t, alice.messages, "message"); !bytes.Equal(got, payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	if snd.Busy() {
		t.Error("sender should be idle after the EOM")
	}
}
