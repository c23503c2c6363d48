package transfer

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/user/blue-transfer/metrics"
)

func TestReassemblerRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	random := make([]byte, 1000)
	rng.Read(random)

	tests := []struct {
		name    string
		payload []byte
		mtu     int
	}{
		{"empty", []byte{}, 20},
		{"hello world", []byte("HELLOWORLD"), 5},
		{"single byte", []byte{0x00}, 20},
		{"exactly one mtu", bytes.Repeat([]byte("x"), 20), 20},
		{"random binary", random, 182},
		{"interior EOM", []byte("xxEOMyyEOMzz"), 5},
		{"EOM prefix", []byte("EOMEOMEOM!"), 4},
		{"EOM straddles fragments", []byte("abcdEOMefgh"), 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f MessageFramer
			f.Begin(tt.payload, fixedMTU(tt.mtu))
			r := NewReassembler()

			var got []byte
			completions := 0
			for _, fragment := range drain(t, &f) {
				payload, complete, err := r.OnFragment(fragment)
				if err != nil {
					t.Fatalf("OnFragment: %v", err)
				}
				if complete {
					completions++
					got = payload
				}
			}

			if completions != 1 {
				t.Fatalf("got %d completions, want 1", completions)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("reassembled %q, want %q", got, tt.payload)
			}
			if got == nil {
				t.Error("empty message should be non-nil")
			}
		})
	}
}

// A data fragment that is exactly the sentinel ends the message early.
// Framing stays unambiguous only when no fragment boundary isolates "EOM".
func TestReassemblerAlignedSentinelLimitation(t *testing.T) {
	var f MessageFramer
	f.Begin([]byte("abcEOMdef"), fixedMTU(3))
	r := NewReassembler()

	var completed [][]byte
	for _, fragment := range drain(t, &f) {
		payload, complete, _ := r.OnFragment(fragment)
		if complete {
			completed = append(completed, payload)
		}
	}

	if len(completed) != 2 || string(completed[0]) != "abc" || string(completed[1]) != "def" {
		t.Fatalf("got %q, want [abc def]", completed)
	}
}

func TestReassemblerContainsSentinel(t *testing.T) {
	r := NewReassembler()
	for _, fragment := range []string{"EOMx", "xEOM", "EO", "M"} {
		if _, complete, _ := r.OnFragment([]byte(fragment)); complete {
			t.Fatalf("fragment %q completed the message", fragment)
		}
	}
	payload, complete, _ := r.OnFragment([]byte("EOM"))
	if !complete || string(payload) != "EOMxxEOMEOM" {
		t.Fatalf("got %q complete=%v", payload, complete)
	}
}

func TestReassemblerReset(t *testing.T) {
	m := metrics.New()
	r := NewReassembler(WithReassemblerMetrics(m))

	r.OnFragment([]byte("partial"))
	if r.Buffered() != 7 {
		t.Fatalf("buffered = %d, want 7", r.Buffered())
	}
	if discarded := r.Reset(); discarded != 7 {
		t.Errorf("Reset() = %d, want 7", discarded)
	}
	if discarded := r.Reset(); discarded != 0 {
		t.Errorf("second Reset() = %d, want 0", discarded)
	}

	payload, complete, _ := r.OnFragment([]byte("EOM"))
	if !complete || len(payload) != 0 {
		t.Errorf("after reset got %q complete=%v, want empty message", payload, complete)
	}

	if got := testutil.ToFloat64(m.AbortsTotal.WithLabelValues(metrics.DirectionInbound)); got != 1 {
		t.Errorf("inbound aborts = %v, want 1", got)
	}
}

func TestReassemblerMaxSize(t *testing.T) {
	r := NewReassembler(WithMaxMessageSize(8))

	if _, _, err := r.OnFragment([]byte("12345")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err := r.OnFragment([]byte("67890"))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}
	if _, _, err := r.OnFragment([]byte("more")); err != nil {
		t.Fatalf("error reported twice: %v", err)
	}
	if _, complete, _ := r.OnFragment([]byte("EOM")); complete {
		t.Fatal("oversized message was delivered")
	}

	payload, complete, err := r.OnFragment([]byte("ok"))
	if err != nil || complete || payload != nil {
		t.Fatalf("next message start: %q %v %v", payload, complete, err)
	}
	payload, complete, _ = r.OnFragment([]byte("EOM"))
	if !complete || string(payload) != "ok" {
		t.Fatalf("got %q complete=%v, want ok", payload, complete)
	}
}
