package proto

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	tagRoot       = "netlock"
	tagSession    = "session"
	tagResource   = "resource"
	tagAnswer     = "answer"
	tagNetwork    = "network"
	tagManagement = "management"
	tagParam      = "param"
)

type wireMessage struct {
	XMLName    xml.Name        `xml:"netlock"`
	Level      int             `xml:"level,attr"`
	Verb       string          `xml:"verb,attr"`
	Phase      int             `xml:"phase,attr"`
	Session    *wireSession    `xml:"session,omitempty"`
	Resource   *wireResource   `xml:"resource,omitempty"`
	Answer     *wireAnswer     `xml:"answer,omitempty"`
	Network    *wireNetwork    `xml:"network,omitempty"`
	Management *wireManagement `xml:"management,omitempty"`
}

type wireSession struct {
	Peer string `xml:"peer,attr"`
}

type wireResource struct {
	Name     string `xml:"name,attr"`
	Mode     string `xml:"mode,attr,omitempty"`
	Wait     string `xml:"wait,attr,omitempty"`
	Quantity int    `xml:"quantity,attr,omitempty"`
	Create   string `xml:"create,attr,omitempty"`
	Lifespan int64  `xml:"lifespan,attr,omitempty"`
	Rollback string `xml:"rollback,attr,omitempty"`
}

type wireAnswer struct {
	Code    string `xml:"code,attr"`
	Element string `xml:"element,attr,omitempty"`
	Warning string `xml:"warning,attr,omitempty"`
}

type wireNetwork struct {
	Address string `xml:"address,attr"`
	Port    int    `xml:"port,attr"`
}

type wireManagement struct {
	Action string      `xml:"action,attr"`
	Params []wireParam `xml:"param"`
}

type wireParam struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

// EncodeName applies the reversible name encoding used on the wire so that
// separator characters never collide with the markup.
func EncodeName(name string) string {
	if name == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(name))
}

// DecodeName reverses EncodeName.
func DecodeName(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: name encoding: %v", ErrMalformed, err)
	}
	return string(b), nil
}

func encodeFlag(v *bool) string {
	if v == nil {
		return ""
	}
	if *v {
		return "1"
	}
	return "0"
}

func wireSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// Marshal serializes m into the tagged-attribute payload (without framing).
// Lifespans travel as whole seconds, rounded up so a sub-second request
// never collapses to zero (which the server reads as "use the default").
func Marshal(m *Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	if !Legal(m.Verb, m.Phase) {
		return nil, fmt.Errorf("%w: %s phase %d", ErrIllegalPhase, m.Verb, m.Phase)
	}
	level := m.Level
	if level == 0 {
		level = Level
	}
	w := wireMessage{
		Level: level,
		Verb:  m.Verb.String(),
		Phase: int(m.Phase),
	}
	if m.Session != nil {
		w.Session = &wireSession{Peer: m.Session.Peer}
	}
	if r := m.Resource; r != nil {
		wr := &wireResource{
			Name:     EncodeName(r.Name),
			Mode:     r.Mode,
			Wait:     encodeFlag(r.Wait),
			Quantity: r.Quantity,
			Create:   encodeFlag(r.Create),
			Lifespan: wireSeconds(r.Lifespan),
		}
		if r.Rollback {
			wr.Rollback = "1"
		}
		w.Resource = wr
	}
	if a := m.Answer; a != nil {
		w.Answer = &wireAnswer{
			Code:    string(a.Code),
			Element: EncodeName(a.Element),
			Warning: string(a.Warning),
		}
	}
	if n := m.Network; n != nil {
		w.Network = &wireNetwork{Address: n.Address, Port: n.Port}
	}
	if mg := m.Management; mg != nil {
		wm := &wireManagement{Action: mg.Action}
		for _, p := range mg.Params {
			wm.Params = append(wm.Params, wireParam(p))
		}
		w.Management = wm
	}
	return xml.Marshal(&w)
}

// Unmarshal decodes a payload produced by Marshal, enforcing the expected
// protocol level.
func Unmarshal(data []byte) (*Message, error) {
	d := NewDecoder(Level)
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	for d.Active() {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			d.fail(fmt.Errorf("%w: %v", ErrMalformed, err))
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			d.StartElement(t.Name.Local, t.Attr)
		case xml.EndElement:
			d.EndElement(t.Name.Local)
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				d.fail(fmt.Errorf("%w: unexpected text", ErrMalformed))
			}
		}
	}
	return d.Message()
}

// State is the decode progress of a single message.
type State uint8

const (
	StateInitialized State = iota
	StateParsing
	StateReady
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateParsing:
		return "parsing"
	case StateReady:
		return "ready"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Decoder assembles a Message from structural callbacks. Once the decoder is
// Ready or Invalid every further callback is ignored.
type Decoder struct {
	level int
	state State
	err   error
	depth int
	inMgt bool
	msg   Message
}

// NewDecoder returns a decoder expecting the given protocol level.
func NewDecoder(level int) *Decoder {
	return &Decoder{level: level}
}

// State reports the decoder state.
func (d *Decoder) State() State { return d.state }

// Err returns the reason the decoder became Invalid.
func (d *Decoder) Err() error { return d.err }

// Active reports whether the decoder still accepts callbacks.
func (d *Decoder) Active() bool {
	return d.state == StateInitialized || d.state == StateParsing
}

func (d *Decoder) fail(err error) {
	if !d.Active() {
		return
	}
	d.state = StateInvalid
	d.err = err
}

// StartElement handles an opening tag.
func (d *Decoder) StartElement(name string, attrs []xml.Attr) {
	if !d.Active() {
		return
	}
	if d.state == StateInitialized {
		if name != tagRoot {
			d.fail(fmt.Errorf("%w: unexpected root <%s>", ErrMalformed, name))
			return
		}
		d.state = StateParsing
		d.depth = 1
		d.header(attrs)
		return
	}
	d.depth++
	switch {
	case d.depth == 2:
		d.group(name, attrs)
	case d.depth == 3 && d.inMgt && name == tagParam:
		var p Param
		for _, a := range attrs {
			switch a.Name.Local {
			case "key":
				p.Key = a.Value
			case "value":
				p.Value = a.Value
			}
		}
		if p.Key == "" {
			d.fail(fmt.Errorf("%w: param without key", ErrMalformed))
			return
		}
		d.msg.Management.Params = append(d.msg.Management.Params, p)
	default:
		d.fail(fmt.Errorf("%w: unexpected <%s> at depth %d", ErrMalformed, name, d.depth))
	}
}

// EndElement handles a closing tag.
func (d *Decoder) EndElement(name string) {
	if !d.Active() || d.state != StateParsing {
		return
	}
	if d.depth == 2 && name == tagManagement {
		d.inMgt = false
	}
	d.depth--
	if d.depth > 0 {
		return
	}
	if name != tagRoot {
		d.fail(fmt.Errorf("%w: unbalanced </%s>", ErrMalformed, name))
		return
	}
	if err := Validate(&d.msg); err != nil {
		d.fail(err)
		return
	}
	d.state = StateReady
}

// Message returns the decoded message once Ready.
func (d *Decoder) Message() (*Message, error) {
	switch d.state {
	case StateReady:
		msg := d.msg
		return &msg, nil
	case StateInvalid:
		return nil, d.err
	default:
		return nil, fmt.Errorf("%w: truncated payload (state %s)", ErrMalformed, d.state)
	}
}

func (d *Decoder) header(attrs []xml.Attr) {
	var haveLevel, haveVerb, havePhase bool
	for _, a := range attrs {
		switch a.Name.Local {
		case "level":
			lvl, err := strconv.Atoi(a.Value)
			if err != nil {
				d.fail(fmt.Errorf("%w: level %q", ErrMalformed, a.Value))
				return
			}
			if lvl != d.level {
				d.fail(fmt.Errorf("%w: got %d, want %d", ErrLevelMismatch, lvl, d.level))
				return
			}
			d.msg.Level = lvl
			haveLevel = true
		case "verb":
			v, ok := ParseVerb(a.Value)
			if !ok {
				d.fail(fmt.Errorf("%w: verb %q", ErrMalformed, a.Value))
				return
			}
			d.msg.Verb = v
			haveVerb = true
		case "phase":
			p, err := strconv.ParseUint(a.Value, 10, 8)
			if err != nil {
				d.fail(fmt.Errorf("%w: phase %q", ErrMalformed, a.Value))
				return
			}
			d.msg.Phase = Phase(p)
			havePhase = true
		}
	}
	if !haveLevel || !haveVerb || !havePhase {
		d.fail(fmt.Errorf("%w: incomplete header", ErrMalformed))
	}
}

func (d *Decoder) group(name string, attrs []xml.Attr) {
	switch name {
	case tagSession:
		if d.msg.Session != nil {
			d.fail(duplicateGroup(name))
			return
		}
		s := &Session{}
		for _, a := range attrs {
			if a.Name.Local == "peer" {
				s.Peer = a.Value
			}
		}
		d.msg.Session = s
	case tagResource:
		if d.msg.Resource != nil {
			d.fail(duplicateGroup(name))
			return
		}
		r, err := decodeResource(attrs)
		if err != nil {
			d.fail(err)
			return
		}
		d.msg.Resource = r
	case tagAnswer:
		if d.msg.Answer != nil {
			d.fail(duplicateGroup(name))
			return
		}
		a := &Answer{}
		for _, at := range attrs {
			switch at.Name.Local {
			case "code":
				a.Code = Code(at.Value)
			case "element":
				el, err := DecodeName(at.Value)
				if err != nil {
					d.fail(err)
					return
				}
				a.Element = el
			case "warning":
				a.Warning = Warning(at.Value)
			}
		}
		if a.Code == "" {
			d.fail(fmt.Errorf("%w: answer without code", ErrMalformed))
			return
		}
		d.msg.Answer = a
	case tagNetwork:
		if d.msg.Network != nil {
			d.fail(duplicateGroup(name))
			return
		}
		n := &Network{}
		for _, a := range attrs {
			switch a.Name.Local {
			case "address":
				n.Address = a.Value
			case "port":
				port, err := strconv.Atoi(a.Value)
				if err != nil || port < 0 || port > 65535 {
					d.fail(fmt.Errorf("%w: port %q", ErrMalformed, a.Value))
					return
				}
				n.Port = port
			}
		}
		d.msg.Network = n
	case tagManagement:
		if d.msg.Management != nil {
			d.fail(duplicateGroup(name))
			return
		}
		m := &Management{}
		for _, a := range attrs {
			if a.Name.Local == "action" {
				m.Action = a.Value
			}
		}
		if m.Action == "" {
			d.fail(fmt.Errorf("%w: management without action", ErrMalformed))
			return
		}
		d.msg.Management = m
		d.inMgt = true
	default:
		d.fail(fmt.Errorf("%w: unknown group <%s>", ErrMalformed, name))
	}
}

func duplicateGroup(name string) error {
	return fmt.Errorf("%w: duplicate <%s>", ErrMalformed, name)
}

func decodeResource(attrs []xml.Attr) (*Resource, error) {
	r := &Resource{}
	for _, a := range attrs {
		switch a.Name.Local {
		case "name":
			name, err := DecodeName(a.Value)
			if err != nil {
				return nil, err
			}
			r.Name = name
		case "mode":
			r.Mode = a.Value
		case "wait":
			v, err := parseFlag(a.Value)
			if err != nil {
				return nil, err
			}
			r.Wait = &v
		case "quantity":
			q, err := strconv.Atoi(a.Value)
			if err != nil || q < 0 {
				return nil, fmt.Errorf("%w: quantity %q", ErrMalformed, a.Value)
			}
			r.Quantity = q
		case "create":
			v, err := parseFlag(a.Value)
			if err != nil {
				return nil, err
			}
			r.Create = &v
		case "lifespan":
			secs, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil || secs < 0 {
				return nil, fmt.Errorf("%w: lifespan %q", ErrMalformed, a.Value)
			}
			r.Lifespan = time.Duration(secs) * time.Second
		case "rollback":
			v, err := parseFlag(a.Value)
			if err != nil {
				return nil, err
			}
			r.Rollback = v
		}
	}
	return r, nil
}

func parseFlag(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no":
		return false, nil
	default:
		return false, fmt.Errorf("%w: flag %q", ErrMalformed, raw)
	}
}

// Validate checks that m is a legal pair and carries the groups its verb and
// phase require.
func Validate(m *Message) error {
	if m == nil {
		return ErrNilMessage
	}
	if m.Level != Level {
		return fmt.Errorf("%w: got %d, want %d", ErrLevelMismatch, m.Level, Level)
	}
	if !Legal(m.Verb, m.Phase) {
		return fmt.Errorf("%w: %s phase %d", ErrIllegalPhase, m.Verb, m.Phase)
	}
	need := func(ok bool, group string) error {
		if ok {
			return nil
		}
		return fmt.Errorf("%w: %s phase %d requires <%s>", ErrMissingGroup, m.Verb, m.Phase, group)
	}
	switch m.Verb {
	case VerbLock:
		switch m.Phase {
		case PhaseLockRequest, PhaseLockAck:
			return need(m.Resource != nil && m.Resource.Name != "", tagResource)
		case PhaseLockAnswer:
			return need(m.Answer != nil, tagAnswer)
		case PhaseLockGranted:
			if err := need(m.Answer != nil, tagAnswer); err != nil {
				return err
			}
			return need(m.Resource != nil, tagResource)
		}
	case VerbUnlock:
		if m.Phase == Phase1 {
			return need(m.Resource != nil && m.Resource.Name != "", tagResource)
		}
		return need(m.Answer != nil, tagAnswer)
	case VerbDiscover:
		if m.Phase == Phase2 {
			return need(m.Network != nil, tagNetwork)
		}
	case VerbManagement:
		return need(m.Management != nil, tagManagement)
	}
	return nil
}
