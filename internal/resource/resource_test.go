package resource

import (
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/netlock/internal/proto"
)

func lockReq(name, mode string, wait bool) *proto.Message {
	return &proto.Message{
		Level:    proto.Level,
		Verb:     proto.VerbLock,
		Phase:    proto.PhaseLockRequest,
		Resource: &proto.Resource{Name: name, Mode: mode, Wait: proto.Bool(wait)},
	}
}

func quantityReq(name string, q int, wait bool) *proto.Message {
	m := lockReq(name, "", wait)
	m.Resource.Quantity = q
	return m
}

func unlockReq(name string) *proto.Message {
	return &proto.Message{
		Level:    proto.Level,
		Verb:     proto.VerbUnlock,
		Phase:    proto.Phase1,
		Resource: &proto.Resource{Name: name},
	}
}

func mustInit(t *testing.T, name string) Resource {
	t.Helper()
	r, err := Init(name, Options{Now: func() time.Time { return time.Unix(1700000000, 0).UTC() }})
	if err != nil {
		t.Fatalf("init %q: %v", name, err)
	}
	return r
}

func mustCode(t *testing.T, r Resource, conn ConnID, msg *proto.Message, want proto.Code) *proto.Message {
	t.Helper()
	out, err := r.HandleMessage(conn, msg)
	if err != nil {
		t.Fatalf("%s %s from %s: unexpected error %v", msg.Verb, msg.Resource.Name, conn, err)
	}
	if out == nil || out.Answer == nil {
		t.Fatalf("%s %s from %s: no answer", msg.Verb, msg.Resource.Name, conn)
	}
	if out.Answer.Code != want {
		t.Fatalf("%s %s from %s: expected %s, got %s", msg.Verb, msg.Resource.Name, conn, want, out.Answer.Code)
	}
	if out.Phase != proto.Phase2 {
		t.Fatalf("answer phase %d, want %d", out.Phase, proto.Phase2)
	}
	return out
}

func mustFail(t *testing.T, r Resource, conn ConnID, msg *proto.Message, want proto.Code) {
	t.Helper()
	out, err := r.HandleMessage(conn, msg)
	if out != nil {
		t.Fatalf("expected rejection, got answer %+v", out.Answer)
	}
	f, ok := AsFailure(err)
	if !ok {
		t.Fatalf("expected Failure, got %v", err)
	}
	if f.Code != want {
		t.Fatalf("expected failure %s, got %s (%v)", want, f.Code, err)
	}
}

func grantedTo(grants []Grant) []ConnID {
	out := make([]ConnID, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.Conn)
	}
	return out
}

func TestModeMatrix(t *testing.T) {
	t.Parallel()
	want := map[Mode]string{
		ModeNL: "111111",
		ModeCR: "111110",
		ModeCW: "111000",
		ModePR: "110100",
		ModePW: "110000",
		ModeEX: "100000",
	}
	for _, held := range Modes {
		for j, req := range Modes {
			expected := want[held][j] == '1'
			if got := CanGrant(held, req); got != expected {
				t.Fatalf("CanGrant(%s, %s) = %v, want %v", held, req, got, expected)
			}
		}
		if !CanGrant(held, ModeNL) || !CanGrant(ModeNL, held) {
			t.Fatalf("NL must be compatible with %s in both positions", held)
		}
	}
	if CanGrant(ModeUnset, ModeNL) {
		t.Fatalf("unset mode must never be granted")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	cases := map[string]Mode{
		"EX":               ModeEX,
		"ex":               ModeEX,
		"Exclusive":        ModeEX,
		"protected-read":   ModePR,
		"PROTECTED_WRITE":  ModePW,
		"concurrent write": ModeCW,
		"null":             ModeNL,
		"":                 ModeUnset,
	}
	for in, want := range cases {
		got, ok := ParseMode(in)
		if !ok || got != want {
			t.Fatalf("ParseMode(%q) = %s, %v; want %s", in, got, ok, want)
		}
	}
	if _, ok := ParseMode("shared"); ok {
		t.Fatalf("expected unknown mode")
	}
}

func TestSimpleExclusiveQueuesAndGrantsOnUnlock(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "R")
	out := mustCode(t, r, "c1", lockReq("R", "EX", false), proto.CodeOK)
	if out.Answer.Element != "" {
		t.Fatalf("simple grant carries element %q", out.Answer.Element)
	}
	mustCode(t, r, "c2", lockReq("R", "EX", true), proto.CodeEnqueued)
	mustCode(t, r, "c3", lockReq("R", "EX", false), proto.CodeBusy)
	if grants := r.Waitings(); len(grants) != 0 {
		t.Fatalf("unexpected grants while held: %v", grantedTo(grants))
	}
	mustCode(t, r, "c1", unlockReq("R"), proto.CodeOK)
	grants := r.Waitings()
	if len(grants) != 1 || grants[0].Conn != "c2" {
		t.Fatalf("expected grant to c2, got %v", grantedTo(grants))
	}
	g := grants[0].Message
	if g.Verb != proto.VerbLock || g.Phase != proto.PhaseLockGranted || g.Answer.Code != proto.CodeOK {
		t.Fatalf("unexpected grant message %+v", g)
	}
	if err := proto.CheckDirection(g, proto.RoleServer); err != nil {
		t.Fatalf("grant is not a legal server message: %v", err)
	}
	if len(r.Snapshot().Waiters) != 0 {
		t.Fatalf("waiter not removed after grant")
	}
}

func TestSimpleCompatibleModesShare(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "R")
	mustCode(t, r, "a", lockReq("R", "CR", false), proto.CodeOK)
	mustCode(t, r, "b", lockReq("R", "PR", false), proto.CodeOK)
	mustCode(t, r, "c", lockReq("R", "CW", false), proto.CodeBusy)
	mustCode(t, r, "d", lockReq("R", "NL", false), proto.CodeOK)
	if got := len(r.Snapshot().Holders); got != 3 {
		t.Fatalf("expected 3 holders, got %d", got)
	}
}

func TestAmbiguousModeFallsBackWithWarning(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "R")
	out := mustCode(t, r, "a", lockReq("R", "shared", false), proto.CodeOK)
	if out.Answer.Warning != proto.WarningAmbiguousMode {
		t.Fatalf("expected ambiguous mode warning, got %q", out.Answer.Warning)
	}
	if h := r.Snapshot().Holders[0]; h.Mode != DefaultMode {
		t.Fatalf("expected default mode %s, got %s", DefaultMode, h.Mode)
	}
}

func TestDuplicateLockRejected(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "R")
	mustCode(t, r, "a", lockReq("R", "EX", false), proto.CodeOK)
	mustFail(t, r, "a", lockReq("R", "EX", false), proto.CodeDuplicate)
	mustCode(t, r, "b", lockReq("R", "EX", true), proto.CodeEnqueued)
	mustFail(t, r, "b", lockReq("R", "EX", true), proto.CodeDuplicate)
}

func TestUnlockMismatchLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "Y")
	mustCode(t, r, "a", lockReq("Y", "EX", false), proto.CodeOK)
	before := r.Snapshot()
	mustFail(t, r, "a", unlockReq("X"), proto.CodeInvalidOption)
	after := r.Snapshot()
	if len(after.Holders) != 1 || after.Holders[0].Conn != before.Holders[0].Conn {
		t.Fatalf("holder state changed: %+v", after.Holders)
	}
	mustFail(t, r, "b", unlockReq("Y"), proto.CodeNotHeld)
}

func TestUnlockWithRollbackWarns(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "R")
	mustCode(t, r, "a", lockReq("R", "EX", false), proto.CodeOK)
	msg := unlockReq("R")
	msg.Resource.Rollback = true
	out := mustCode(t, r, "a", msg, proto.CodeOK)
	if out.Answer.Warning != proto.WarningNotTransactional {
		t.Fatalf("expected not_transactional warning, got %q", out.Answer.Warning)
	}
	if r.Busy() {
		t.Fatalf("rollback must still unlock")
	}
}

func TestWaiterUnlockDequeues(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "R")
	mustCode(t, r, "a", lockReq("R", "EX", false), proto.CodeOK)
	mustCode(t, r, "b", lockReq("R", "EX", true), proto.CodeEnqueued)
	mustCode(t, r, "b", unlockReq("R"), proto.CodeOK)
	mustCode(t, r, "a", unlockReq("R"), proto.CodeOK)
	if grants := r.Waitings(); len(grants) != 0 {
		t.Fatalf("dequeued waiter was granted: %v", grantedTo(grants))
	}
}

func TestCleanOfBlockedHeadUnblocksQueue(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "pool[10]")
	mustCode(t, r, "x", quantityReq("pool[10]", 3, false), proto.CodeOK)
	mustCode(t, r, "y", quantityReq("pool[10]", 6, false), proto.CodeOK)
	mustCode(t, r, "big", quantityReq("pool[10]", 8, true), proto.CodeEnqueued)
	mustCode(t, r, "small", quantityReq("pool[10]", 5, true), proto.CodeEnqueued)
	mustCode(t, r, "y", unlockReq("pool[10]"), proto.CodeOK)
	if grants := r.Waitings(); len(grants) != 0 {
		t.Fatalf("head does not fit, nothing may pass it: %v", grantedTo(grants))
	}
	if !r.Clean("big") {
		t.Fatalf("cleaning a queued waiter must report a removal")
	}
	grants := r.Waitings()
	if len(grants) != 1 || grants[0].Conn != "small" {
		t.Fatalf("expected small granted, got %v", grantedTo(grants))
	}
	if r.Clean("big") {
		t.Fatalf("second clean must be a no-op")
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "pool[3]")
	mustCode(t, r, "a", quantityReq("pool[3]", 2, false), proto.CodeOK)
	mustCode(t, r, "b", quantityReq("pool[3]", 2, true), proto.CodeEnqueued)
	if !r.Clean("a") {
		t.Fatalf("first clean should release a holder")
	}
	if r.Clean("a") {
		t.Fatalf("second clean must be a no-op")
	}
	n := r.(*Numeric)
	if n.Available() != 3 {
		t.Fatalf("capacity double released or leaked: available=%d", n.Available())
	}
	grants := r.Waitings()
	if len(grants) != 1 || grants[0].Conn != "b" {
		t.Fatalf("expected b granted, got %v", grantedTo(grants))
	}
	if n.Available() != 1 {
		t.Fatalf("expected 1 available, got %d", n.Available())
	}
	r.Clean("b")
	r.Clean("b")
	if n.Available() != 3 || r.Busy() {
		t.Fatalf("expected empty resource, available=%d", n.Available())
	}
}

func TestNumericCapacity(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "pool[5]")
	n := r.(*Numeric)
	mustCode(t, r, "a", quantityReq("pool[5]", 3, false), proto.CodeOK)
	mustCode(t, r, "b", quantityReq("pool[5]", 3, false), proto.CodeBusy)
	mustCode(t, r, "c", quantityReq("pool[5]", 2, false), proto.CodeOK)
	mustCode(t, r, "d", quantityReq("pool[5]", 6, true), proto.CodeImpossible)
	mustCode(t, r, "e", quantityReq("pool[5]", 0, false), proto.CodeBusy)
	if n.Available() != 0 {
		t.Fatalf("expected full pool, available=%d", n.Available())
	}
	sum := 0
	for _, h := range r.Snapshot().Holders {
		sum += h.Quantity
	}
	if sum != 5 {
		t.Fatalf("held quantities sum to %d, want 5", sum)
	}
	mustFail(t, r, "f", quantityReq("pool[7]", 1, false), proto.CodeInvalidOption)
	mustCode(t, r, "a", unlockReq("pool(5)"), proto.CodeOK)
	if n.Available() != 3 {
		t.Fatalf("expected 3 available after unlock, got %d", n.Available())
	}
}

func TestFIFOFairness(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "pool[4]")
	mustCode(t, r, "h", quantityReq("pool[4]", 4, false), proto.CodeOK)
	mustCode(t, r, "w1", quantityReq("pool[4]", 3, true), proto.CodeEnqueued)
	mustCode(t, r, "w2", quantityReq("pool[4]", 1, true), proto.CodeEnqueued)
	mustCode(t, r, "w3", quantityReq("pool[4]", 2, true), proto.CodeEnqueued)
	mustCode(t, r, "h", unlockReq("pool[4]"), proto.CodeOK)
	got := grantedTo(r.Waitings())
	if len(got) != 2 || got[0] != "w1" || got[1] != "w2" {
		t.Fatalf("expected w1 then w2, got %v", got)
	}
	// w3 does not fit and must stay queued.
	if w := r.Snapshot().Waiters; len(w) != 1 || w[0].Conn != "w3" {
		t.Fatalf("unexpected waiters %+v", w)
	}
}

func TestSimpleFIFOStopsAtFirstBlockedWaiter(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "R")
	mustCode(t, r, "h", lockReq("R", "PR", false), proto.CodeOK)
	mustCode(t, r, "w1", lockReq("R", "EX", true), proto.CodeEnqueued)
	mustCode(t, r, "w2", lockReq("R", "PW", true), proto.CodeEnqueued)
	mustCode(t, r, "h", unlockReq("R"), proto.CodeOK)
	got := grantedTo(r.Waitings())
	if len(got) != 1 || got[0] != "w1" {
		t.Fatalf("expected only w1, got %v", got)
	}
}

func TestSetRoundRobin(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "a,b")
	s := r.(*Set)
	if out := mustCode(t, r, "c1", lockReq("a,b", "", false), proto.CodeOK); out.Answer.Element != "a" {
		t.Fatalf("expected element a, got %q", out.Answer.Element)
	}
	if s.Next() != 1 {
		t.Fatalf("round robin index %d, want 1", s.Next())
	}
	if out := mustCode(t, r, "c2", lockReq("a,b", "", false), proto.CodeOK); out.Answer.Element != "b" {
		t.Fatalf("expected element b, got %q", out.Answer.Element)
	}
	if s.Next() != 0 {
		t.Fatalf("round robin index %d, want 0", s.Next())
	}
	mustCode(t, r, "c3", lockReq("a,b", "", false), proto.CodeBusy)
	mustCode(t, r, "c4", lockReq("a,b", "", true), proto.CodeEnqueued)

	// Unlocking by element name releases that element.
	mustCode(t, r, "c1", unlockReq("a"), proto.CodeOK)
	grants := r.Waitings()
	if len(grants) != 1 || grants[0].Conn != "c4" || grants[0].Message.Answer.Element != "a" {
		t.Fatalf("unexpected grants %+v", grants)
	}
	if s.Next() != 1 {
		t.Fatalf("round robin index %d, want 1", s.Next())
	}
}

func TestSetOneHolderPerElement(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "x,y,z")
	conns := []ConnID{"c0", "c1", "c2", "c3", "c4"}
	for i := 0; i < 20; i++ {
		for _, c := range conns {
			if _, err := r.HandleMessage(c, lockReq("x,y,z", "", true)); err != nil {
				if f, ok := AsFailure(err); !ok || f.Code != proto.CodeDuplicate {
					t.Fatalf("unexpected error %v", err)
				}
			}
		}
		r.Clean(conns[i%len(conns)])
		r.Waitings()
		seen := map[string]ConnID{}
		for _, h := range r.Snapshot().Holders {
			if other, dup := seen[h.Element]; dup {
				t.Fatalf("element %s held by %s and %s", h.Element, other, h.Conn)
			}
			seen[h.Element] = h.Conn
		}
		if len(seen) > 3 {
			t.Fatalf("more holders than elements: %d", len(seen))
		}
	}
}

func TestSetServesLaterWaiterByAvailability(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "a,b")
	mustCode(t, r, "h1", lockReq("a,b", "", false), proto.CodeOK)
	mustCode(t, r, "h2", lockReq("a,b", "", false), proto.CodeOK)
	mustCode(t, r, "w1", lockReq("a,b", "", true), proto.CodeEnqueued)
	mustCode(t, r, "w2", lockReq("a,b", "", true), proto.CodeEnqueued)
	r.Clean("h1")
	r.Clean("h2")
	got := grantedTo(r.Waitings())
	if len(got) != 2 || got[0] != "w1" || got[1] != "w2" {
		t.Fatalf("expected both waiters granted, got %v", got)
	}
}

func TestHierarchicalConflicts(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "root/a")
	tree := r.(*Tree)
	mustCode(t, r, "p", lockReq("root/a", "PR", false), proto.CodeOK)
	// descendant of a PR holder: PR is compatible, EX is not.
	mustCode(t, r, "c1", lockReq("root/a/b", "PR", false), proto.CodeOK)
	mustCode(t, r, "c2", lockReq("root/a/c", "EX", false), proto.CodeBusy)
	// sibling subtree is unaffected.
	mustCode(t, r, "s", lockReq("root/z", "EX", false), proto.CodeOK)
	// ancestor EX conflicts with the holders below.
	mustCode(t, r, "anc", lockReq("root/a", "EX", true), proto.CodeEnqueued)
	mustFail(t, r, "x", lockReq("other/a", "EX", false), proto.CodeInvalidOption)

	if tree.nodes() != 3 {
		t.Fatalf("expected 3 nodes (a, a/b, z), got %d", tree.nodes())
	}
	mustCode(t, r, "c1", unlockReq("root/a/b"), proto.CodeOK)
	if got := grantedTo(r.Waitings()); len(got) != 0 {
		t.Fatalf("ancestor granted while PR holder remains: %v", got)
	}
	if tree.nodes() != 2 {
		t.Fatalf("empty leaf not collected, nodes=%d", tree.nodes())
	}
	mustCode(t, r, "p", unlockReq("root/a"), proto.CodeOK)
	got := grantedTo(r.Waitings())
	if len(got) != 1 || got[0] != "anc" {
		t.Fatalf("expected ancestor waiter granted, got %v", got)
	}
	r.Clean("anc")
	r.Clean("s")
	if tree.nodes() != 0 || r.Busy() {
		t.Fatalf("tree not collected: nodes=%d busy=%v", tree.nodes(), r.Busy())
	}
}

func TestHierarchicalAncestorBlocksDescendant(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "root/a")
	mustCode(t, r, "p", lockReq("root/a", "EX", false), proto.CodeOK)
	mustCode(t, r, "c", lockReq("root/a/b/c", "CR", false), proto.CodeBusy)
	mustCode(t, r, "n", lockReq("root/a/b/c", "NL", false), proto.CodeOK)
}

func TestLockAckIsSilent(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "R")
	ack := &proto.Message{Level: proto.Level, Verb: proto.VerbLock, Phase: proto.PhaseLockAck, Resource: &proto.Resource{Name: "R"}}
	out, err := r.HandleMessage("a", ack)
	if err != nil || out != nil {
		t.Fatalf("expected silent ack, got %v %v", out, err)
	}
}

func TestInternalErrors(t *testing.T) {
	t.Parallel()
	r := mustInit(t, "R")
	if _, err := r.HandleMessage("", lockReq("R", "EX", false)); !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal for empty connection, got %v", err)
	}
	if _, err := r.HandleMessage("a", nil); !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal for nil message, got %v", err)
	}
	ping := &proto.Message{Level: proto.Level, Verb: proto.VerbPing, Phase: proto.Phase1}
	_, err := r.HandleMessage("a", ping)
	if f, ok := AsFailure(err); !ok || f.Code != proto.CodeProtocolError {
		t.Fatalf("expected protocol error failure, got %v", err)
	}
}

func TestFreeDropsState(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"R", "pool[1]", "a", "root/x"} {
		r := mustInit(t, name)
		mustCode(t, r, "a", lockReq(name, "EX", false), proto.CodeOK)
		mustCode(t, r, "b", lockReq(name, "EX", true), proto.CodeEnqueued)
		if !r.Busy() {
			t.Fatalf("%s: expected busy", name)
		}
		r.Free()
		if r.Busy() {
			t.Fatalf("%s: busy after free", name)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		kind     Kind
		key      string
		capacity int
		parts    int
	}{
		{"R", KindSimple, "simple:R", 0, 0},
		{"build_lock-2", KindSimple, "simple:build_lock-2", 0, 0},
		{"pool[4]", KindNumeric, "numeric:pool", 4, 0},
		{"pool(12)", KindNumeric, "numeric:pool", 12, 0},
		{"a,b,c", KindSet, "set:a,b,c", 0, 3},
		{"root/a/b", KindHierarchical, "hierarchical:root", 0, 3},
		{"counter+", KindSequence, "sequence:counter", 0, 0},
		{"clock@", KindTimestamp, "timestamp:clock", 0, 0},
	}
	for _, tc := range cases {
		spec, err := Classify(tc.name)
		if err != nil {
			t.Fatalf("classify %q: %v", tc.name, err)
		}
		if spec.Kind != tc.kind || spec.Key != tc.key || spec.Capacity != tc.capacity {
			t.Fatalf("classify %q: got %+v", tc.name, spec)
		}
		if n := len(spec.Elements) + len(spec.Path); n != tc.parts {
			t.Fatalf("classify %q: %d parts, want %d", tc.name, n, tc.parts)
		}
	}
	invalid := []string{
		"", "1abc", "a b", "pool[0]", "pool[]", "pool[4", "pool[4)", "pool[4]x",
		"a,b/c", "a,,b", "a,", "/a", "a/", "a,a", "a+b", strings.Repeat("a", MaxNameLength+1),
	}
	for _, name := range invalid {
		if _, err := Classify(name); !errors.Is(err, ErrInvalidResourceName) {
			t.Fatalf("classify %q: expected ErrInvalidResourceName, got %v", name, err)
		}
	}
	if _, err := Init("counter+", Options{}); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}
