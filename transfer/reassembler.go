package transfer

import (
	"sync"

	"github.com/user/blue-transfer/metrics"
)

// Reassembler accumulates inbound fragments for one channel direction until
// the EOM sentinel arrives. Fragments are appended exactly in arrival order.
type Reassembler struct {
	mu         sync.Mutex
	buf        []byte
	discarding bool // current message overflowed; drop until EOM
	maxSize    int
	metrics    *metrics.Transfer
}

// ReassemblerOption configures a Reassembler
type ReassemblerOption func(*Reassembler)

// WithMaxMessageSize bounds the buffered size of one message (0 = unbounded)
func WithMaxMessageSize(n int) ReassemblerOption {
	return func(r *Reassembler) {
		r.maxSize = n
	}
}

// WithReassemblerMetrics records inbound fragments and messages
func WithReassemblerMetrics(m *metrics.Transfer) ReassemblerOption {
	return func(r *Reassembler) {
		r.metrics = m
	}
}

// NewReassembler creates an empty Reassembler
func NewReassembler(opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnFragment consumes one fragment. When fragment is exactly the sentinel the
// buffered message is returned with complete=true and the buffer is cleared.
//
// If the message grows past the configured maximum the partial buffer is
// dropped, ErrMessageTooLarge is returned once, and fragments up to the next
// EOM are ignored.
func (r *Reassembler) OnFragment(fragment []byte) (payload []byte, complete bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if IsEOM(fragment) {
		r.metrics.RecordFragment(metrics.DirectionInbound, 0, true)
		if r.discarding {
			r.discarding = false
			return nil, false, nil
		}
		payload = r.buf
		if payload == nil {
			payload = []byte{}
		}
		r.buf = nil
		r.metrics.RecordMessage(metrics.DirectionInbound)
		return payload, true, nil
	}

	r.metrics.RecordFragment(metrics.DirectionInbound, len(fragment), false)

	if r.discarding {
		return nil, false, nil
	}
	if r.maxSize > 0 && len(r.buf)+len(fragment) > r.maxSize {
		r.buf = nil
		r.discarding = true
		r.metrics.RecordAbort(metrics.DirectionInbound)
		return nil, false, ErrMessageTooLarge
	}

	r.buf = append(r.buf, fragment...)
	return nil, false, nil
}

// Reset discards any partial message, returning how many bytes were dropped
// Called on disconnect; partial messages are never delivered
func (r *Reassembler) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	discarded := len(r.buf)
	if discarded > 0 {
		r.metrics.RecordAbort(metrics.DirectionInbound)
	}
	r.buf = nil
	r.discarding = false
	return discarded
}

// Buffered returns the number of bytes waiting for an EOM
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
