package transfer

import (
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/user/blue-transfer/metrics"
)

type sinkWrite struct {
	data    string
	targets []string
}

// fakeSink accepts `budget` writes and then rejects until refilled (-1 = unlimited)
type fakeSink struct {
	mu       sync.Mutex
	mtu      int
	budget   int
	writes   []sinkWrite
	rejected int
}

func newFakeSink(mtu int) *fakeSink {
	return &fakeSink{mtu: mtu, budget: -1}
}

func (s *fakeSink) MaxFragmentLen(targets []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

func (s *fakeSink) WriteFragment(fragment []byte, targets []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.budget == 0 {
		s.rejected++
		return false
	}
	if s.budget > 0 {
		s.budget--
	}
	s.writes = append(s.writes, sinkWrite{
		data:    string(fragment),
		targets: append([]string(nil), targets...),
	})
	return true
}

func (s *fakeSink) setBudget(n int) {
	s.mu.Lock()
	s.budget = n
	s.mu.Unlock()
}

func (s *fakeSink) setMTU(n int) {
	s.mu.Lock()
	s.mtu = n
	s.mu.Unlock()
}

func (s *fakeSink) data() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = w.data
	}
	return out
}

func (s *fakeSink) all() []sinkWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkWrite(nil), s.writes...)
}

func TestFlowSendsWholeMessage(t *testing.T) {
	sink := newFakeSink(5)
	fc := NewFlowController(sink)

	fc.Submit([]byte("HELLOWORLD"))

	if want := []string{"HELLO", "WORLD", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
		t.Fatalf("writes = %v, want %v", sink.data(), want)
	}
	if fc.Active() || fc.Stalled() {
		t.Error("controller should be idle after EOM")
	}

	// Nothing to send: readiness is a no-op
	fc.OnWriteReadinessRestored()
	if len(sink.data()) != 3 {
		t.Error("readiness with nothing queued produced writes")
	}
}

func TestFlowStallAndResume(t *testing.T) {
	m := metrics.New()
	sink := newFakeSink(5)
	sink.setBudget(2)
	fc := NewFlowController(sink, WithFlowMetrics(m))

	payload := "AAAAABBBBBCCCCCDDDDDEEEEE"
	fc.Submit([]byte(payload))

	if want := []string{"AAAAA", "BBBBB"}; !reflect.DeepEqual(sink.data(), want) {
		t.Fatalf("before stall: %v, want %v", sink.data(), want)
	}
	if !fc.Stalled() {
		t.Fatal("expected stall after rejected write")
	}
	if sent, total := fc.Progress(); sent != 10 || total != 25 {
		t.Fatalf("progress = %d/%d, want 10/25", sent, total)
	}

	// No write attempts while stalled
	fc.Kick()
	fc.OnSubscriberChanged("x", true)
	if sink.rejected != 1 {
		t.Fatalf("link saw %d rejected writes, want 1", sink.rejected)
	}

	sink.setBudget(-1)
	fc.OnWriteReadinessRestored()

	want := []string{"AAAAA", "BBBBB", "CCCCC", "DDDDD", "EEEEE", "EOM"}
	if !reflect.DeepEqual(sink.data(), want) {
		t.Fatalf("after resume: %v, want %v", sink.data(), want)
	}
	if got := strings.Join(sink.data()[:5], ""); got != payload {
		t.Errorf("link carried %q, want %q", got, payload)
	}
	if got := testutil.ToFloat64(m.StallsTotal); got != 1 {
		t.Errorf("stalls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FragmentsTotal.WithLabelValues(metrics.DirectionOutbound, "data")); got != 5 {
		t.Errorf("data fragments = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.BytesTotal.WithLabelValues(metrics.DirectionOutbound)); got != 25 {
		t.Errorf("bytes = %v, want 25", got)
	}
}

func TestFlowStallsAcrossRepeatedRejections(t *testing.T) {
	sink := newFakeSink(2)
	fc := NewFlowController(sink)

	sink.setBudget(1)
	fc.Submit([]byte("abcdef"))
	for i := 0; i < 5; i++ {
		sink.setBudget(1)
		fc.OnWriteReadinessRestored()
	}

	if want := []string{"ab", "cd", "ef", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
		t.Fatalf("writes = %v, want %v", sink.data(), want)
	}
}

func TestFlowNotReadyMTU(t *testing.T) {
	sink := newFakeSink(0)
	fc := NewFlowController(sink)

	fc.Submit([]byte("abc"))
	if len(sink.data()) != 0 || !fc.Stalled() {
		t.Fatalf("mtu 0 should stall without writing, got %v", sink.data())
	}

	sink.setMTU(20)
	fc.Kick()
	if want := []string{"abc", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
		t.Fatalf("writes = %v, want %v", sink.data(), want)
	}
}

func TestFlowReplacePolicy(t *testing.T) {
	t.Run("unsent message is replaced", func(t *testing.T) {
		sink := newFakeSink(3)
		sink.setBudget(0)
		fc := NewFlowController(sink)

		fc.Submit([]byte("first"))
		fc.Submit([]byte("second"))
		sink.setBudget(-1)
		fc.OnWriteReadinessRestored()

		if want := []string{"sec", "ond", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
			t.Fatalf("writes = %v, want %v", sink.data(), want)
		}
	})

	t.Run("started message finishes, newest follows", func(t *testing.T) {
		sink := newFakeSink(3)
		sink.setBudget(1)
		fc := NewFlowController(sink)

		fc.Submit([]byte("abcdef"))
		fc.Submit([]byte("x"))
		fc.Submit([]byte("y"))
		if fc.Pending() != 1 {
			t.Fatalf("pending = %d, want 1", fc.Pending())
		}

		sink.setBudget(-1)
		fc.OnWriteReadinessRestored()

		if want := []string{"abc", "def", "EOM", "y", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
			t.Fatalf("writes = %v, want %v", sink.data(), want)
		}
	})
}

func TestFlowQueuePolicy(t *testing.T) {
	sink := newFakeSink(3)
	sink.setBudget(1)
	fc := NewFlowController(sink, WithPolicy(PolicyQueue))

	fc.Submit([]byte("abcdef"))
	fc.Submit([]byte("x"))
	fc.Submit([]byte("y"))
	if fc.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", fc.Pending())
	}

	sink.setBudget(-1)
	fc.OnWriteReadinessRestored()

	want := []string{"abc", "def", "EOM", "x", "EOM", "y", "EOM"}
	if !reflect.DeepEqual(sink.data(), want) {
		t.Fatalf("writes = %v, want %v", sink.data(), want)
	}
}

func TestFlowSubmitCopiesPayload(t *testing.T) {
	sink := newFakeSink(20)
	sink.setBudget(0)
	fc := NewFlowController(sink)

	buf := []byte("original")
	fc.Submit(buf)
	copy(buf, "XXXXXXXX")
	sink.setBudget(-1)
	fc.OnWriteReadinessRestored()

	if got := sink.data()[0]; got != "original" {
		t.Errorf("sent %q, caller mutation leaked", got)
	}
}

func TestFlowBroadcastCohort(t *testing.T) {
	reg := NewRegistry()
	reg.Add("a")
	reg.Add("b")
	sink := newFakeSink(2)
	sink.setBudget(1)
	fc := NewFlowController(sink, WithRegistry(reg))

	fc.Submit([]byte("abcdef"))
	if got := fc.Cohort(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("cohort = %v", got)
	}

	// b leaves mid-message and must get none of the remainder
	reg.Remove("b")
	fc.OnSubscriberChanged("b", false)

	sink.setBudget(-1)
	fc.OnWriteReadinessRestored()

	want := []sinkWrite{
		{"ab", []string{"a", "b"}},
		{"cd", []string{"a"}},
		{"ef", []string{"a"}},
		{"EOM", []string{"a"}},
	}
	if got := sink.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
}

func TestFlowHoldsUntilSubscriber(t *testing.T) {
	reg := NewRegistry()
	sink := newFakeSink(20)
	fc := NewFlowController(sink, WithRegistry(reg))

	fc.Submit([]byte("state"))
	if len(sink.data()) != 0 {
		t.Fatal("sent with no subscribers")
	}
	if fc.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", fc.Pending())
	}

	reg.Add("a")
	fc.OnSubscriberChanged("a", true)

	want := []sinkWrite{
		{"state", []string{"a"}},
		{"EOM", []string{"a"}},
	}
	if got := sink.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}

	// a already has the latest state
	fc.OnSubscriberChanged("a", true)
	if len(sink.all()) != 2 {
		t.Error("latest state sent twice to the same subscriber")
	}
}

func TestFlowLateSubscriberGetsLatest(t *testing.T) {
	reg := NewRegistry()
	reg.Add("a")
	sink := newFakeSink(2)
	sink.setBudget(1)
	fc := NewFlowController(sink, WithRegistry(reg))

	fc.Submit([]byte("abcd"))
	reg.Add("b")
	fc.OnSubscriberChanged("b", true)

	sink.setBudget(-1)
	fc.OnWriteReadinessRestored()

	want := []sinkWrite{
		{"ab", []string{"a"}},
		{"cd", []string{"a"}},
		{"EOM", []string{"a"}},
		{"ab", []string{"b"}},
		{"cd", []string{"b"}},
		{"EOM", []string{"b"}},
	}
	if got := sink.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
}

func TestFlowLastSubscriberLeaves(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry()
	reg.Add("a")
	sink := newFakeSink(2)
	sink.setBudget(1)
	fc := NewFlowController(sink, WithRegistry(reg), WithFlowMetrics(m))

	fc.Submit([]byte("abcd"))
	reg.Remove("a")
	fc.OnSubscriberChanged("a", false)

	if fc.Active() {
		t.Fatal("message still active with no subscribers")
	}
	if got := testutil.ToFloat64(m.AbortsTotal.WithLabelValues(metrics.DirectionOutbound)); got != 1 {
		t.Errorf("aborts = %v, want 1", got)
	}

	sink.setBudget(-1)
	fc.OnWriteReadinessRestored()
	reg.Add("c")
	fc.OnSubscriberChanged("c", true)

	want := []sinkWrite{
		{"ab", []string{"a"}},
		{"ab", []string{"c"}},
		{"cd", []string{"c"}},
		{"EOM", []string{"c"}},
	}
	if got := sink.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
}

func TestFlowAbort(t *testing.T) {
	t.Run("started message is dropped", func(t *testing.T) {
		sink := newFakeSink(2)
		sink.setBudget(1)
		fc := NewFlowController(sink)

		fc.Submit([]byte("abcdef"))
		if !fc.Abort() {
			t.Fatal("Abort() = false for a started message")
		}
		if fc.Active() || fc.Stalled() {
			t.Fatal("controller not idle after abort")
		}

		sink.setBudget(-1)
		fc.Submit([]byte("new"))
		if want := []string{"ab", "ne", "w", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
			t.Fatalf("writes = %v, want %v", sink.data(), want)
		}
	})

	t.Run("unsent message is kept", func(t *testing.T) {
		sink := newFakeSink(20)
		sink.setBudget(0)
		fc := NewFlowController(sink)

		fc.Submit([]byte("keep"))
		if fc.Abort() {
			t.Fatal("Abort() = true for an unsent message")
		}
		if fc.Pending() != 1 {
			t.Fatalf("pending = %d, want 1", fc.Pending())
		}

		sink.setBudget(-1)
		fc.Kick()
		if want := []string{"keep", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
			t.Fatalf("writes = %v, want %v", sink.data(), want)
		}
	})

	t.Run("clear finishes the started message and drops the queue", func(t *testing.T) {
		sink := newFakeSink(2)
		sink.setBudget(1)
		fc := NewFlowController(sink, WithPolicy(PolicyQueue))

		fc.Submit([]byte("abcd"))
		fc.Submit([]byte("next"))
		if !fc.Clear() {
			t.Fatal("Clear() = false with a started message in flight")
		}
		sink.setBudget(-1)
		fc.OnWriteReadinessRestored()

		if want := []string{"ab", "cd", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
			t.Fatalf("writes = %v, want %v", sink.data(), want)
		}
	})

	t.Run("clear drops an unstarted message", func(t *testing.T) {
		sink := newFakeSink(2)
		sink.setBudget(0)
		fc := NewFlowController(sink)

		fc.Submit([]byte("abcd"))
		if fc.Clear() {
			t.Fatal("Clear() = true for a message with nothing on the link")
		}
		sink.setBudget(-1)
		fc.OnWriteReadinessRestored()

		if len(sink.data()) != 0 {
			t.Fatalf("writes = %v, want none", sink.data())
		}
	})
}

func TestFlowSentHandler(t *testing.T) {
	reg := NewRegistry()
	reg.Add("a")
	sink := newFakeSink(20)

	var sent []string
	var targets [][]string
	fc := NewFlowController(sink, WithRegistry(reg), WithSentHandler(func(payload []byte, to []string) {
		sent = append(sent, string(payload))
		targets = append(targets, to)
	}))

	fc.Submit([]byte("one"))
	fc.Submit([]byte("two"))

	if want := []string{"one", "two"}; !reflect.DeepEqual(sent, want) {
		t.Fatalf("sent = %v, want %v", sent, want)
	}
	if !reflect.DeepEqual(targets[0], []string{"a"}) {
		t.Errorf("targets = %v", targets[0])
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    SubmitPolicy
		wantErr bool
	}{
		{"", PolicyReplace, false},
		{"replace", PolicyReplace, false},
		{"Queue", PolicyQueue, false},
		{"fifo", PolicyQueue, false},
		{"drop", PolicyReplace, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// reassemble feeds every write through a Reassembler, as one receiver would
func reassemble(t *testing.T, writes []string) []string {
	t.Helper()
	r := NewReassembler()
	var out []string
	for _, w := range writes {
		payload, complete, err := r.OnFragment([]byte(w))
		if err != nil {
			t.Fatalf("OnFragment failed: %v", err)
		}
		if complete {
			out = append(out, string(payload))
		}
	}
	return out
}

func TestFlowClearNeverSplicesMessages(t *testing.T) {
	reg := NewRegistry()
	reg.Add("rx-1")
	sink := newFakeSink(5)
	sink.setBudget(1)
	fc := NewFlowController(sink, WithRegistry(reg))

	fc.Submit([]byte("AAAAABBBBB"))
	fc.Clear()
	fc.Submit([]byte("XY"))

	sink.setBudget(-1)
	fc.OnWriteReadinessRestored()

	if want := []string{"AAAAA", "BBBBB", "EOM", "XY", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
		t.Fatalf("writes = %v, want %v", sink.data(), want)
	}
	if got, want := reassemble(t, sink.data()), []string{"AAAAABBBBB", "XY"}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered %q, want %q", got, want)
	}
}

func TestFlowClearForgetsLatest(t *testing.T) {
	reg := NewRegistry()
	reg.Add("rx-1")
	sink := newFakeSink(5)
	sink.setBudget(1)
	fc := NewFlowController(sink, WithRegistry(reg))

	fc.Submit([]byte("AAAAABBBBB"))
	fc.Clear()
	sink.setBudget(-1)
	fc.OnWriteReadinessRestored()
	fc.OnWriteReadinessRestored()

	reg.Add("rx-2")
	fc.OnSubscriberChanged("rx-2", true)

	if want := []string{"AAAAA", "BBBBB", "EOM"}; !reflect.DeepEqual(sink.data(), want) {
		t.Fatalf("writes = %v, want %v (cleared message must not be re-sent)", sink.data(), want)
	}
}
