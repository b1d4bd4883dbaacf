package proto

import (
	"fmt"
	"strings"
)

// Level is the protocol level carried in every message header. Peers that
// disagree on the level cannot talk to each other.
const Level = 1

// Verb names the operation a message belongs to.
type Verb uint8

const (
	// VerbUnknown is the zero value and never legal on the wire.
	VerbUnknown Verb = iota
	// VerbLock requests (or answers, or relays) a lock grant.
	VerbLock
	// VerbUnlock releases a grant held by the sending connection.
	VerbUnlock
	// VerbPing checks liveness of the daemon.
	VerbPing
	// VerbDiscover asks the daemon for its advertised address.
	VerbDiscover
	// VerbManagement carries administrative actions.
	VerbManagement
)

var verbNames = [...]string{
	VerbUnknown:    "unknown",
	VerbLock:       "lock",
	VerbUnlock:     "unlock",
	VerbPing:       "ping",
	VerbDiscover:   "discover",
	VerbManagement: "management",
}

func (v Verb) String() string {
	if int(v) < len(verbNames) {
		return verbNames[v]
	}
	return fmt.Sprintf("verb(%d)", uint8(v))
}

// ParseVerb maps the wire spelling of a verb to its value.
func ParseVerb(s string) (Verb, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range verbNames {
		if i == int(VerbUnknown) {
			continue
		}
		if name == s {
			return Verb(i), true
		}
	}
	return VerbUnknown, false
}

// Phase is the position of a message inside a verb's exchange. Phases are
// multiples of PhaseStep.
type Phase uint8

// PhaseStep is the increment between two consecutive phases.
const PhaseStep Phase = 1

const (
	Phase1 = 1 * PhaseStep
	Phase2 = 2 * PhaseStep
	Phase3 = 3 * PhaseStep
	Phase4 = 4 * PhaseStep
)

// Named phases of the lock exchange.
const (
	PhaseLockRequest = Phase1
	PhaseLockAnswer  = Phase2
	PhaseLockGranted = Phase3
	PhaseLockAck     = Phase4
)

// Role identifies who is allowed to send a given (verb, phase) pair.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

type step struct {
	verb  Verb
	phase Phase
}

// legal lists every (verb, phase) pair of the alphabet with the role that
// sends it.
var legal = map[step]Role{
	{VerbLock, PhaseLockRequest}: RoleClient,
	{VerbLock, PhaseLockAnswer}:  RoleServer,
	{VerbLock, PhaseLockGranted}: RoleServer,
	{VerbLock, PhaseLockAck}:     RoleClient,
	{VerbUnlock, Phase1}:         RoleClient,
	{VerbUnlock, Phase2}:         RoleServer,
	{VerbPing, Phase1}:           RoleClient,
	{VerbPing, Phase2}:           RoleServer,
	{VerbDiscover, Phase1}:       RoleClient,
	{VerbDiscover, Phase2}:       RoleServer,
	{VerbManagement, Phase1}:     RoleClient,
}

// Legal reports whether (verb, phase) exists in the alphabet at all.
func Legal(v Verb, p Phase) bool {
	_, ok := legal[step{v, p}]
	return ok
}

// Sender returns the role allowed to send (verb, phase).
func Sender(v Verb, p Phase) (Role, bool) {
	r, ok := legal[step{v, p}]
	return r, ok
}

// AnswerPhase returns the phase a server uses to answer a client message of
// verb v, or false when the verb has no answer.
func AnswerPhase(v Verb) (Phase, bool) {
	switch v {
	case VerbLock, VerbUnlock, VerbPing, VerbDiscover:
		return Phase2, true
	default:
		return 0, false
	}
}

// CheckDirection rejects a message whose (verb, phase) pair may not be sent by
// from. Receivers call it before dispatching anything.
func CheckDirection(m *Message, from Role) error {
	if m == nil {
		return ErrNilMessage
	}
	role, ok := legal[step{m.Verb, m.Phase}]
	if !ok {
		return fmt.Errorf("%w: %s phase %d", ErrIllegalPhase, m.Verb, m.Phase)
	}
	if role != from {
		return fmt.Errorf("%w: %s phase %d is sent by %s, not %s", ErrWrongDirection, m.Verb, m.Phase, role, from)
	}
	return nil
}
