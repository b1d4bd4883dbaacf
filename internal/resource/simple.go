package resource

import (
	"pkt.systems/netlock/internal/proto"
)

// Simple is a single named lock governed by the DLM mode matrix.
type Simple struct {
	queue
	granted []*Holder
}

var _ Resource = (*Simple)(nil)

func (s *Simple) HandleMessage(conn ConnID, msg *proto.Message) (*proto.Message, error) {
	return handle(&s.queue, s, conn, msg)
}

func (s *Simple) Clean(conn ConnID) bool { return clean(&s.queue, s, conn) }
func (s *Simple) Waitings() []Grant      { return waitings(&s.queue, s) }
func (s *Simple) Free()                  { free(&s.queue, s) }
func (s *Simple) Busy() bool             { return busy(&s.queue, s) }
func (s *Simple) Snapshot() Snapshot     { return snapshot(&s.queue, s) }

func (s *Simple) request(conn ConnID, spec Spec, r *proto.Resource) (*Holder, proto.Warning, error) {
	mode, warning := s.mode(r)
	return &Holder{Conn: conn, Name: spec.Name, Mode: mode}, warning, nil
}

func (s *Simple) possible(*Holder) bool { return true }

func (s *Simple) fits(h *Holder) bool {
	for _, g := range s.granted {
		if !CanGrant(g.Mode, h.Mode) {
			return false
		}
	}
	return true
}

func (s *Simple) take(h *Holder) { s.granted = append(s.granted, h) }

func (s *Simple) held(conn ConnID) *Holder {
	if i := indexOf(s.granted, conn); i >= 0 {
		return s.granted[i]
	}
	return nil
}

func (s *Simple) release(conn ConnID) *Holder {
	i := indexOf(s.granted, conn)
	if i < 0 {
		return nil
	}
	h := s.granted[i]
	s.granted = append(s.granted[:i], s.granted[i+1:]...)
	return h
}

func (s *Simple) owns(h *Holder, name string) bool { return name == h.Name }

func (s *Simple) fifo() bool { return true }

func (s *Simple) holders() []Holder { return cloneAll(s.granted) }

func (s *Simple) reset() { s.granted = nil }

func cloneAll(list []*Holder) []Holder {
	out := make([]Holder, 0, len(list))
	for _, h := range list {
		out = append(out, cloneHolder(h))
	}
	return out
}
