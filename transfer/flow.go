package transfer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/metrics"
)

// Sink is the link-facing side of a FlowController.
//
// Implementations must not call back into the FlowController from inside
// these methods; readiness is reported later through OnWriteReadinessRestored.
type Sink interface {
	// MaxFragmentLen returns the largest fragment every target accepts right
	// now. targets is nil for a point-to-point channel. <= 0 means not ready.
	MaxFragmentLen(targets []string) int

	// WriteFragment pushes one fragment to targets. false means the link's
	// transmit queue is full and nothing was sent.
	WriteFragment(fragment []byte, targets []string) bool
}

// SubmitPolicy decides what Submit does while a message is in flight
type SubmitPolicy int

const (
	// PolicyReplace keeps only the latest submission. An in-flight message
	// with no fragment on the link yet is replaced outright; one that has
	// started finishes first and the newest submission follows it.
	PolicyReplace SubmitPolicy = iota

	// PolicyQueue sends every submission in order
	PolicyQueue
)

// String returns the config name of the policy
func (p SubmitPolicy) String() string {
	switch p {
	case PolicyReplace:
		return "replace"
	case PolicyQueue:
		return "queue"
	default:
		return fmt.Sprintf("SubmitPolicy(%d)", int(p))
	}
}

// ParsePolicy converts a config string to a SubmitPolicy
func ParsePolicy(s string) (SubmitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replace", "latest":
		return PolicyReplace, nil
	case "queue", "fifo":
		return PolicyQueue, nil
	default:
		return PolicyReplace, fmt.Errorf("unknown submit policy %q (want replace or queue)", s)
	}
}

type stallReason int

const (
	notStalled   stallReason = iota
	stallBlocked             // link rejected a write; only readiness clears it
	stallNoRoom              // write limit too small; any kick retries
)

type outbound struct {
	seq     uint64
	payload []byte
}

// SentFunc is called after the EOM of a message has been accepted by the link
type SentFunc func(payload []byte, targets []string)

// FlowController drives MessageFramer output into a Sink against the link's
// externally signaled write readiness. It owns the in-flight message of one
// channel direction.
//
// The drive loop writes fragments while the Sink accepts them. A rejected
// write suspends the loop until OnWriteReadinessRestored; the cursor only
// advances on accepted writes, so nothing is sent twice. Nothing polls.
//
// With a Registry attached the controller broadcasts: every message goes to
// the subscribers present when it started (its cohort) through one shared
// cursor. Endpoints that unsubscribe mid-message are dropped from the cohort
// and get none of the remainder. Endpoints that subscribe mid-message join at
// the next message boundary, and the latest payload is re-sent to any
// subscriber that has not received it once the link is free.
type FlowController struct {
	mu       sync.Mutex
	sink     Sink
	registry *Registry
	policy   SubmitPolicy
	metrics  *metrics.Transfer
	prefix   string
	onSent   SentFunc

	framer    MessageFramer
	current   outbound
	cohort    []string
	pending   []outbound
	latest    outbound
	nextSeq   uint64
	delivered map[string]uint64 // endpoint -> seq of the last message it fully received
	stall     stallReason

	completed []completion
}

type completion struct {
	payload []byte
	targets []string
}

// FlowOption configures a FlowController
type FlowOption func(*FlowController)

// WithRegistry switches the controller to broadcast mode over reg
func WithRegistry(reg *Registry) FlowOption {
	return func(fc *FlowController) {
		fc.registry = reg
	}
}

// WithPolicy sets the submission policy (default PolicyReplace)
func WithPolicy(p SubmitPolicy) FlowOption {
	return func(fc *FlowController) {
		fc.policy = p
	}
}

// WithFlowMetrics records outbound fragments, stalls and aborts
func WithFlowMetrics(m *metrics.Transfer) FlowOption {
	return func(fc *FlowController) {
		fc.metrics = m
	}
}

// WithLogPrefix sets the logger prefix
func WithLogPrefix(prefix string) FlowOption {
	return func(fc *FlowController) {
		fc.prefix = prefix
	}
}

// WithSentHandler registers a callback for completed messages
// The callback runs without the controller lock held
func WithSentHandler(fn SentFunc) FlowOption {
	return func(fc *FlowController) {
		fc.onSent = fn
	}
}

// NewFlowController creates an idle controller writing to sink
func NewFlowController(sink Sink, opts ...FlowOption) *FlowController {
	fc := &FlowController{
		sink:      sink,
		policy:    PolicyReplace,
		prefix:    "flow",
		delivered: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(fc)
	}
	return fc
}

// Submit hands a payload to the controller and starts sending if possible
// The payload is copied
func (fc *FlowController) Submit(payload []byte) {
	fc.mu.Lock()

	fc.nextSeq++
	msg := outbound{seq: fc.nextSeq, payload: append([]byte{}, payload...)}
	fc.latest = msg

	switch {
	case !fc.framer.Active():
		fc.enqueue(msg)
	case fc.policy == PolicyReplace && !fc.framer.Started():
		logger.Debug(fc.prefix, "Replacing unsent message #%d with #%d", fc.current.seq, msg.seq)
		fc.framer.Reset()
		fc.pending = nil
		fc.pending = append(fc.pending, msg)
	default:
		fc.enqueue(msg)
	}

	logger.Debug(fc.prefix, "Submitted message #%d (%d bytes, policy=%s, pending=%d)",
		msg.seq, len(msg.payload), fc.policy, len(fc.pending))

	fc.drive()
	fc.unlockAndNotify()
}

func (fc *FlowController) enqueue(msg outbound) {
	if fc.policy == PolicyReplace {
		fc.pending = fc.pending[:0]
	}
	fc.pending = append(fc.pending, msg)
}

// OnWriteReadinessRestored resumes a suspended drive loop
// It is the link layer's "ready to send again" event
func (fc *FlowController) OnWriteReadinessRestored() {
	fc.mu.Lock()
	if fc.stall != notStalled {
		sent, total := fc.framer.Progress()
		logger.Trace(fc.prefix, "Write readiness restored, resuming at %d/%d bytes", sent, total)
	}
	fc.stall = notStalled
	fc.drive()
	fc.unlockAndNotify()
}

// Kick retries after a not-ready stall (write limit too small) without
// overriding a backpressure stall. Used when the link becomes usable.
func (fc *FlowController) Kick() {
	fc.mu.Lock()
	if fc.stall == stallNoRoom {
		fc.stall = notStalled
	}
	fc.drive()
	fc.unlockAndNotify()
}

// OnSubscriberChanged updates the broadcast cohort and retries sending
func (fc *FlowController) OnSubscriberChanged(endpoint string, subscribed bool) {
	fc.mu.Lock()

	if subscribed {
		logger.Debug(fc.prefix, "Subscriber %s joined", endpoint)
	} else {
		delete(fc.delivered, endpoint)
		if fc.removeFromCohort(endpoint) {
			logger.Debug(fc.prefix, "Subscriber %s left mid-message #%d, %d targets remain",
				endpoint, fc.current.seq, len(fc.cohort))
			if len(fc.cohort) == 0 && fc.framer.Active() {
				fc.abortCurrent("no subscribers left")
			}
		}
	}

	if fc.stall == stallNoRoom {
		fc.stall = notStalled
	}
	fc.drive()
	fc.unlockAndNotify()
}

// Abort drops the in-flight message. A message with fragments already on the
// link is lost; one that has not started yet stays queued. Returns true if a
// partially sent message was dropped.
func (fc *FlowController) Abort() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.stall = notStalled
	if !fc.framer.Active() {
		return false
	}
	if !fc.framer.Started() {
		fc.pending = append([]outbound{fc.current}, fc.pending...)
		fc.framer.Reset()
		fc.cohort = nil
		return false
	}
	fc.abortCurrent("aborted")
	return true
}

// Clear drops every message that has not put a fragment on the link and
// forgets the latest payload, so nothing is re-sent to late subscribers.
// A message already partly on the link is finished: its targets stay
// connected and would otherwise prepend the partial data to the next message.
// Returns true if such a message is still in flight.
func (fc *FlowController) Clear() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.framer.Active() && !fc.framer.Started() {
		fc.framer.Reset()
		fc.cohort = nil
		if fc.stall == stallNoRoom {
			fc.stall = notStalled
		}
	}
	fc.pending = nil
	fc.latest = outbound{}
	return fc.framer.Active()
}

// Active reports whether a message is in flight
func (fc *FlowController) Active() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.framer.Active()
}

// Stalled reports whether the drive loop is waiting on the link
func (fc *FlowController) Stalled() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.stall != notStalled
}

// Pending returns the number of submissions waiting behind the in-flight one
func (fc *FlowController) Pending() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.pending)
}

// Progress returns bytes sent and total bytes of the in-flight message
func (fc *FlowController) Progress() (sent, total int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.framer.Active() {
		return 0, 0
	}
	return fc.framer.Progress()
}

// Cohort returns the targets of the in-flight message
func (fc *FlowController) Cohort() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.cohort...)
}

func (fc *FlowController) mtu() int {
	return fc.sink.MaxFragmentLen(fc.cohort)
}

// drive is the send loop; caller holds fc.mu
func (fc *FlowController) drive() {
	for fc.stall == notStalled {
		if !fc.startNext() {
			return
		}

		fragment, kind := fc.framer.Peek()
		if kind == FragmentNotReady {
			fc.stall = stallNoRoom
			logger.Trace(fc.prefix, "Write limit too small, waiting")
			return
		}
		if kind == FragmentDone {
			return
		}

		if !fc.sink.WriteFragment(fragment, fc.cohort) {
			fc.stall = stallBlocked
			fc.metrics.RecordStall()
			sent, total := fc.framer.Progress()
			logger.Trace(fc.prefix, "Link not ready, stalled at %d/%d bytes of #%d", sent, total, fc.current.seq)
			return
		}
		fc.framer.Commit()
		fc.metrics.RecordFragment(metrics.DirectionOutbound, len(fragment), kind == FragmentEOM)

		if kind == FragmentEOM {
			fc.finishCurrent()
		} else {
			logger.Trace(fc.prefix, "Sent %d bytes of #%d", len(fragment), fc.current.seq)
		}
	}
}

// startNext makes sure a message is active; returns false when there is
// nothing to send or nobody to send it to
func (fc *FlowController) startNext() bool {
	if fc.framer.Active() {
		return true
	}

	if fc.registry != nil && fc.registry.Len() == 0 {
		return false
	}

	var msg outbound
	switch {
	case len(fc.pending) > 0:
		msg = fc.pending[0]
		fc.pending = fc.pending[1:]
		if fc.registry != nil {
			fc.cohort = fc.registry.Snapshot()
		}
	case fc.registry != nil && fc.latest.seq > 0:
		missed := fc.missedLatest()
		if len(missed) == 0 {
			return false
		}
		msg = fc.latest
		fc.cohort = missed
		logger.Debug(fc.prefix, "Re-sending latest message #%d to %d late subscribers", msg.seq, len(missed))
	default:
		return false
	}

	fc.current = msg
	fc.framer.Begin(msg.payload, fc.mtu)
	return true
}

// missedLatest returns subscribers that have not received the latest message
func (fc *FlowController) missedLatest() []string {
	var missed []string
	for _, endpoint := range fc.registry.Snapshot() {
		if fc.delivered[endpoint] < fc.latest.seq {
			missed = append(missed, endpoint)
		}
	}
	return missed
}

func (fc *FlowController) finishCurrent() {
	fc.metrics.RecordMessage(metrics.DirectionOutbound)
	for _, endpoint := range fc.cohort {
		if fc.delivered[endpoint] < fc.current.seq {
			fc.delivered[endpoint] = fc.current.seq
		}
	}
	logger.Debug(fc.prefix, "Sent EOM for #%d (%d bytes, %d targets)",
		fc.current.seq, len(fc.current.payload), len(fc.cohort))

	fc.completed = append(fc.completed, completion{
		payload: fc.current.payload,
		targets: append([]string(nil), fc.cohort...),
	})
	fc.cohort = nil
}

func (fc *FlowController) abortCurrent(reason string) {
	sent, total := fc.framer.Progress()
	logger.Debug(fc.prefix, "Aborting message #%d at %d/%d bytes: %s", fc.current.seq, sent, total, reason)
	if fc.framer.Started() {
		fc.metrics.RecordAbort(metrics.DirectionOutbound)
	}
	fc.framer.Reset()
	fc.cohort = nil
}

func (fc *FlowController) removeFromCohort(endpoint string) bool {
	for i, target := range fc.cohort {
		if target == endpoint {
			fc.cohort = append(fc.cohort[:i:i], fc.cohort[i+1:]...)
			return true
		}
	}
	return false
}

// unlockAndNotify releases fc.mu and then reports completed messages
func (fc *FlowController) unlockAndNotify() {
	done := fc.completed
	fc.completed = nil
	onSent := fc.onSent
	fc.mu.Unlock()

	if onSent == nil {
		return
	}
	for _, c := range done {
		onSent(c.payload, c.targets)
	}
}
