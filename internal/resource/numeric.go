package resource

import (
	"pkt.systems/netlock/internal/proto"
)

// Numeric is a countable resource: holders draw quantities from a fixed
// capacity and the sum of held quantities never exceeds it.
type Numeric struct {
	queue
	capacity int
	used     int
	granted  []*Holder
}

var _ Resource = (*Numeric)(nil)

func (n *Numeric) HandleMessage(conn ConnID, msg *proto.Message) (*proto.Message, error) {
	return handle(&n.queue, n, conn, msg)
}

func (n *Numeric) Clean(conn ConnID) bool { return clean(&n.queue, n, conn) }
func (n *Numeric) Waitings() []Grant      { return waitings(&n.queue, n) }
func (n *Numeric) Free()                  { free(&n.queue, n) }
func (n *Numeric) Busy() bool             { return busy(&n.queue, n) }
func (n *Numeric) Snapshot() Snapshot     { return snapshot(&n.queue, n) }

// Available returns the capacity not currently held.
func (n *Numeric) Available() int { return n.capacity - n.used }

func (n *Numeric) request(conn ConnID, spec Spec, r *proto.Resource) (*Holder, proto.Warning, error) {
	if spec.Capacity != n.capacity {
		return nil, proto.WarningNone, failf(proto.CodeInvalidOption, "%q declares capacity %d, resource has %d", spec.Name, spec.Capacity, n.capacity)
	}
	q := n.quantity(r)
	if q < 1 {
		return nil, proto.WarningNone, failf(proto.CodeInvalidOption, "quantity %d", q)
	}
	return &Holder{Conn: conn, Name: spec.Name, Quantity: q}, proto.WarningNone, nil
}

func (n *Numeric) possible(h *Holder) bool { return h.Quantity <= n.capacity }

func (n *Numeric) fits(h *Holder) bool { return h.Quantity <= n.capacity-n.used }

func (n *Numeric) take(h *Holder) {
	n.used += h.Quantity
	n.granted = append(n.granted, h)
}

func (n *Numeric) held(conn ConnID) *Holder {
	if i := indexOf(n.granted, conn); i >= 0 {
		return n.granted[i]
	}
	return nil
}

func (n *Numeric) release(conn ConnID) *Holder {
	i := indexOf(n.granted, conn)
	if i < 0 {
		return nil
	}
	h := n.granted[i]
	n.granted = append(n.granted[:i], n.granted[i+1:]...)
	n.used -= h.Quantity
	return h
}

func (n *Numeric) owns(h *Holder, name string) bool {
	spec, err := Classify(name)
	return err == nil && spec.Name == h.Name
}

func (n *Numeric) fifo() bool { return true }

func (n *Numeric) holders() []Holder { return cloneAll(n.granted) }

func (n *Numeric) reset() {
	n.granted = nil
	n.used = 0
}
