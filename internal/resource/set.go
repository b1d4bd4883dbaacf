package resource

import (
	"pkt.systems/netlock/internal/proto"
)

// Set hands out the elements of a fixed list round-robin, one holder per
// element.
type Set struct {
	queue
	slots []*Holder
	next  int
}

var _ Resource = (*Set)(nil)

func newSet(q queue) *Set {
	return &Set{queue: q, slots: make([]*Holder, len(q.spec.Elements))}
}

func (s *Set) HandleMessage(conn ConnID, msg *proto.Message) (*proto.Message, error) {
	return handle(&s.queue, s, conn, msg)
}

func (s *Set) Clean(conn ConnID) bool { return clean(&s.queue, s, conn) }
func (s *Set) Waitings() []Grant      { return waitings(&s.queue, s) }
func (s *Set) Free()                  { free(&s.queue, s) }
func (s *Set) Busy() bool             { return busy(&s.queue, s) }
func (s *Set) Snapshot() Snapshot     { return snapshot(&s.queue, s) }

// Next returns the round-robin index the next element search starts at.
func (s *Set) Next() int { return s.next }

func (s *Set) request(conn ConnID, spec Spec, _ *proto.Resource) (*Holder, proto.Warning, error) {
	return &Holder{Conn: conn, Name: spec.Name}, proto.WarningNone, nil
}

func (s *Set) possible(*Holder) bool { return len(s.slots) > 0 }

func (s *Set) fits(*Holder) bool { return s.free() >= 0 }

// free returns the first unassigned slot starting at the round-robin index.
func (s *Set) free() int {
	n := len(s.slots)
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		if s.slots[idx] == nil {
			return idx
		}
	}
	return -1
}

func (s *Set) take(h *Holder) {
	idx := s.free()
	if idx < 0 {
		return
	}
	h.Element = s.spec.Elements[idx]
	s.slots[idx] = h
	s.next = (s.next + 1) % len(s.slots)
}

func (s *Set) slotOf(conn ConnID) int {
	for i, h := range s.slots {
		if h != nil && h.Conn == conn {
			return i
		}
	}
	return -1
}

func (s *Set) held(conn ConnID) *Holder {
	if i := s.slotOf(conn); i >= 0 {
		return s.slots[i]
	}
	return nil
}

func (s *Set) release(conn ConnID) *Holder {
	i := s.slotOf(conn)
	if i < 0 {
		return nil
	}
	h := s.slots[i]
	s.slots[i] = nil
	return h
}

// owns accepts the set name or the granted element.
func (s *Set) owns(h *Holder, name string) bool {
	return name == h.Name || (h.Element != "" && name == h.Element)
}

func (s *Set) fifo() bool { return false }

func (s *Set) holders() []Holder {
	out := make([]Holder, 0, len(s.slots))
	for _, h := range s.slots {
		if h != nil {
			out = append(out, cloneHolder(h))
		}
	}
	return out
}

func (s *Set) reset() {
	for i := range s.slots {
		s.slots[i] = nil
	}
	s.next = 0
}
