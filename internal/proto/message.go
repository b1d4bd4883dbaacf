package proto

import (
	"errors"
	"time"
)

var (
	// ErrNilMessage is returned when a nil message is passed to the codec.
	ErrNilMessage = errors.New("proto: nil message")
	// ErrIllegalPhase marks a (verb, phase) pair that is not part of the alphabet.
	ErrIllegalPhase = errors.New("proto: illegal verb/phase")
	// ErrWrongDirection marks a legal pair sent by the wrong role.
	ErrWrongDirection = errors.New("proto: wrong direction")
	// ErrLevelMismatch is returned when the peer speaks another protocol level.
	ErrLevelMismatch = errors.New("proto: protocol level mismatch")
	// ErrMalformed covers structural decode failures.
	ErrMalformed = errors.New("proto: malformed message")
	// ErrMissingGroup is returned when a verb-specific group is absent.
	ErrMissingGroup = errors.New("proto: missing element group")
)

// Code is the return code carried in an answer.
type Code string

const (
	CodeOK            Code = "ok"
	CodeEnqueued      Code = "enqueued"
	CodeBusy          Code = "busy"
	CodeImpossible    Code = "impossible"
	CodeDuplicate     Code = "duplicate"
	CodeNotHeld       Code = "not_held"
	CodeNotFound      Code = "not_found"
	CodeInvalidOption Code = "invalid_option"
	CodeProtocolError Code = "protocol_error"
	CodeInternalError Code = "internal_error"
	CodeShuttingDown  Code = "shutting_down"
)

// Warning is a recoverable condition attached to an otherwise successful answer.
type Warning string

const (
	WarningNone             Warning = ""
	WarningNotTransactional Warning = "not_transactional"
	WarningAmbiguousMode    Warning = "ambiguous_mode"
)

// Message is one decoded protocol exchange step. Only the groups relevant to
// the verb are set; the rest stay nil.
type Message struct {
	Level int
	Verb  Verb
	Phase Phase

	Session    *Session
	Resource   *Resource
	Answer     *Answer
	Network    *Network
	Management *Management
}

// Session identifies the client peer across reconnects.
type Session struct {
	Peer string
}

// Resource carries the lock target and request options. Optional booleans
// are nil when the client relies on the daemon defaults.
type Resource struct {
	Name     string
	Mode     string
	Wait     *bool
	Quantity int
	Create   *bool
	Lifespan time.Duration
	Rollback bool
}

// Answer is the server's verdict on a request.
type Answer struct {
	Code    Code
	Element string
	Warning Warning
}

// Network is the address advertised in discover answers.
type Network struct {
	Address string
	Port    int
}

// Management carries an administrative action and its parameters.
type Management struct {
	Action string
	Params []Param
}

// Param is one management key/value pair.
type Param struct {
	Key   string
	Value string
}

// Param returns the value for key and whether it was present.
func (m *Management) Param(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, p := range m.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// NewAnswer builds the server answer to req carrying code. The resource name
// of the request is echoed back so clients can match answers.
func NewAnswer(req *Message, code Code) *Message {
	out := &Message{Level: Level, Phase: Phase2}
	if req != nil {
		out.Verb = req.Verb
		if req.Resource != nil {
			out.Resource = &Resource{Name: req.Resource.Name}
		}
	}
	out.Answer = &Answer{Code: code}
	return out
}

// Bool returns a pointer to v for the optional request flags.
func Bool(v bool) *bool {
	return &v
}
