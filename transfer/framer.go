package transfer

// FragmentKind tells the caller what MessageFramer produced
type FragmentKind int

const (
	FragmentData     FragmentKind = iota // Slice of payload bytes
	FragmentEOM                          // The end-of-message sentinel
	FragmentDone                         // Nothing left to send for this message
	FragmentNotReady                     // Link write limit is too small right now; cursor unchanged
)

// String returns the name of the fragment kind
func (k FragmentKind) String() string {
	switch k {
	case FragmentData:
		return "data"
	case FragmentEOM:
		return "eom"
	case FragmentDone:
		return "done"
	case FragmentNotReady:
		return "not-ready"
	default:
		return "unknown"
	}
}

// MessageFramer splits one outbound payload into MTU-sized fragments and
// terminates it with the EOM sentinel.
//
// The write limit is queried before every fragment because the link may
// renegotiate it mid-message. A limit <= 0 means the link is not ready.
//
// Peek/Commit let a caller leave the cursor untouched when the link rejects
// a write. MessageFramer is not safe for concurrent use; FlowController
// serializes access.
type MessageFramer struct {
	payload    []byte
	cursor     int
	mtu        func() int
	sendingEOM bool
	active     bool

	peekedLen  int
	peekedKind FragmentKind
}

// Begin starts a new message, discarding any unfinished one
// payload must not be modified until the message is done
func (f *MessageFramer) Begin(payload []byte, mtu func() int) {
	f.payload = payload
	f.cursor = 0
	f.mtu = mtu
	f.sendingEOM = len(payload) == 0
	f.active = true
	f.peekedLen = 0
	f.peekedKind = FragmentDone
}

// Peek returns the next fragment without advancing the cursor
// The returned slice aliases the payload and must not be modified
func (f *MessageFramer) Peek() ([]byte, FragmentKind) {
	f.peekedKind = FragmentDone
	if !f.active {
		return nil, FragmentDone
	}

	limit := 0
	if f.mtu != nil {
		limit = f.mtu()
	}

	if limit <= 0 {
		return nil, FragmentNotReady
	}

	// The sentinel is never split; a link too small for it rejects the write
	if f.sendingEOM {
		f.peekedLen = EOMLen
		f.peekedKind = FragmentEOM
		return eomMarker, FragmentEOM
	}

	amount := len(f.payload) - f.cursor
	if limit < amount {
		amount = limit
	}
	f.peekedLen = amount
	f.peekedKind = FragmentData
	return f.payload[f.cursor : f.cursor+amount], FragmentData
}

// Commit advances past the fragment returned by the last Peek
// Commit without a preceding data or EOM Peek does nothing
func (f *MessageFramer) Commit() {
	switch f.peekedKind {
	case FragmentData:
		f.cursor += f.peekedLen
		if f.cursor >= len(f.payload) {
			f.sendingEOM = true
		}
	case FragmentEOM:
		f.sendingEOM = false
		f.active = false
	}
	f.peekedLen = 0
	f.peekedKind = FragmentDone
}

// Next returns the next fragment and advances past it
func (f *MessageFramer) Next() ([]byte, FragmentKind) {
	fragment, kind := f.Peek()
	if kind == FragmentData || kind == FragmentEOM {
		f.Commit()
	}
	return fragment, kind
}

// Active reports whether a message is begun and its EOM not yet committed
func (f *MessageFramer) Active() bool {
	return f.active
}

// SendingEOM reports whether only the sentinel remains to be sent
func (f *MessageFramer) SendingEOM() bool {
	return f.active && f.sendingEOM
}

// Started reports whether any fragment of the current message has been committed
func (f *MessageFramer) Started() bool {
	return f.active && (f.cursor > 0 || (f.sendingEOM && len(f.payload) > 0))
}

// Progress returns payload bytes committed so far and the payload length
func (f *MessageFramer) Progress() (sent, total int) {
	return f.cursor, len(f.payload)
}

// Payload returns the payload of the current or last message
func (f *MessageFramer) Payload() []byte {
	return f.payload
}

// Reset abandons the current message
func (f *MessageFramer) Reset() {
	f.payload = nil
	f.cursor = 0
	f.mtu = nil
	f.sendingEOM = false
	f.active = false
	f.peekedLen = 0
	f.peekedKind = FragmentDone
}
