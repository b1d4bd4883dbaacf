package proto

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sampleMessage(v Verb, p Phase) *Message {
	m := &Message{Level: Level, Verb: v, Phase: p}
	switch v {
	case VerbLock:
		switch p {
		case PhaseLockRequest:
			m.Session = &Session{Peer: "0190c1de-1111-7000-8000-000000000001"}
			m.Resource = &Resource{
				Name:     "alpha,beta",
				Mode:     "PW",
				Wait:     Bool(true),
				Quantity: 3,
				Create:   Bool(false),
				Lifespan: 45 * time.Second,
			}
		case PhaseLockAnswer:
			m.Resource = &Resource{Name: "root/child/leaf"}
			m.Answer = &Answer{Code: CodeOK, Element: "beta", Warning: WarningAmbiguousMode}
		case PhaseLockGranted:
			m.Resource = &Resource{Name: "pool[4]"}
			m.Answer = &Answer{Code: CodeOK}
		case PhaseLockAck:
			m.Resource = &Resource{Name: "R"}
		}
	case VerbUnlock:
		if p == Phase1 {
			m.Resource = &Resource{Name: "a/b", Rollback: true}
		} else {
			m.Resource = &Resource{Name: "a/b"}
			m.Answer = &Answer{Code: CodeOK, Warning: WarningNotTransactional}
		}
	case VerbPing:
		m.Session = &Session{Peer: "peer"}
	case VerbDiscover:
		if p == Phase2 {
			m.Network = &Network{Address: "10.1.2.3", Port: 9342}
		}
	case VerbManagement:
		m.Management = &Management{
			Action: "shutdown",
			Params: []Param{{Key: "mode", Value: "quiesce"}, {Key: "note", Value: "a<b & \"c\""}},
		}
	}
	return m
}

func TestRoundTripAllLegalPairs(t *testing.T) {
	t.Parallel()
	for st := range legal {
		m := sampleMessage(st.verb, st.phase)
		payload, err := Marshal(m)
		if err != nil {
			t.Fatalf("marshal %s/%d: %v", st.verb, st.phase, err)
		}
		got, err := Unmarshal(payload)
		if err != nil {
			t.Fatalf("unmarshal %s/%d: %v\npayload=%s", st.verb, st.phase, err, payload)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("round trip %s/%d mismatch:\n got=%+v\nwant=%+v", st.verb, st.phase, got, m)
		}
	}
}

func TestNamesAreEncodedOnTheWire(t *testing.T) {
	t.Parallel()
	m := &Message{Level: Level, Verb: VerbLock, Phase: PhaseLockRequest, Resource: &Resource{Name: "x,y/z<\"q\">"}}
	payload, err := Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(payload, []byte("x,y/z")) {
		t.Fatalf("resource name leaked unencoded: %s", payload)
	}
	got, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Resource.Name != m.Resource.Name {
		t.Fatalf("name mismatch: %q", got.Resource.Name)
	}
}

func TestLifespanRoundsUpToWholeSeconds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, 0},
		{200 * time.Millisecond, time.Second},
		{time.Second, time.Second},
		{1500 * time.Millisecond, 2 * time.Second},
		{45 * time.Second, 45 * time.Second},
	}
	for _, tc := range cases {
		m := &Message{Level: Level, Verb: VerbLock, Phase: PhaseLockRequest, Resource: &Resource{Name: "R", Lifespan: tc.in}}
		payload, err := Marshal(m)
		if err != nil {
			t.Fatalf("marshal %v: %v", tc.in, err)
		}
		got, err := Unmarshal(payload)
		if err != nil {
			t.Fatalf("unmarshal %v: %v", tc.in, err)
		}
		if got.Resource.Lifespan != tc.want {
			t.Fatalf("lifespan %v: got %v want %v", tc.in, got.Resource.Lifespan, tc.want)
		}
	}
}

func TestMarshalRejectsIllegalPair(t *testing.T) {
	t.Parallel()
	_, err := Marshal(&Message{Level: Level, Verb: VerbManagement, Phase: Phase2})
	if !errors.Is(err, ErrIllegalPhase) {
		t.Fatalf("expected ErrIllegalPhase, got %v", err)
	}
}

func TestCheckDirection(t *testing.T) {
	t.Parallel()
	cases := []struct {
		verb  Verb
		phase Phase
		from  Role
		want  error
	}{
		{VerbLock, PhaseLockRequest, RoleClient, nil},
		{VerbLock, PhaseLockRequest, RoleServer, ErrWrongDirection},
		{VerbLock, PhaseLockAnswer, RoleClient, ErrWrongDirection},
		{VerbLock, PhaseLockGranted, RoleServer, nil},
		{VerbLock, PhaseLockAck, RoleClient, nil},
		{VerbLock, 5, RoleClient, ErrIllegalPhase},
		{VerbUnlock, Phase1, RoleClient, nil},
		{VerbUnlock, Phase2, RoleClient, ErrWrongDirection},
		{VerbUnlock, Phase3, RoleClient, ErrIllegalPhase},
		{VerbPing, Phase2, RoleServer, nil},
		{VerbDiscover, Phase1, RoleServer, ErrWrongDirection},
		{VerbManagement, Phase1, RoleClient, nil},
		{VerbManagement, Phase2, RoleServer, ErrIllegalPhase},
		{VerbUnknown, Phase1, RoleClient, ErrIllegalPhase},
	}
	for _, tc := range cases {
		err := CheckDirection(&Message{Verb: tc.verb, Phase: tc.phase}, tc.from)
		if tc.want == nil {
			if err != nil {
				t.Fatalf("%s/%d from %s: unexpected error %v", tc.verb, tc.phase, tc.from, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s/%d from %s: expected %v, got %v", tc.verb, tc.phase, tc.from, tc.want, err)
		}
	}
}

func TestUnmarshalLevelMismatch(t *testing.T) {
	t.Parallel()
	payload := []byte(`<netlock level="2" verb="ping" phase="1"></netlock>`)
	_, err := Unmarshal(payload)
	if !errors.Is(err, ErrLevelMismatch) {
		t.Fatalf("expected level mismatch, got %v", err)
	}
}

func TestDecoderIgnoresCallbacksAfterTerminalState(t *testing.T) {
	t.Parallel()
	d := NewDecoder(Level)
	d.StartElement("netlock", []xml.Attr{
		{Name: xml.Name{Local: "level"}, Value: "9"},
		{Name: xml.Name{Local: "verb"}, Value: "ping"},
		{Name: xml.Name{Local: "phase"}, Value: "1"},
	})
	if d.State() != StateInvalid {
		t.Fatalf("expected invalid after level mismatch, got %s", d.State())
	}
	d.EndElement("netlock")
	if d.State() != StateInvalid {
		t.Fatalf("state changed after terminal state: %s", d.State())
	}

	d = NewDecoder(Level)
	if d.State() != StateInitialized {
		t.Fatalf("expected initialized, got %s", d.State())
	}
	d.StartElement("netlock", []xml.Attr{
		{Name: xml.Name{Local: "level"}, Value: "1"},
		{Name: xml.Name{Local: "verb"}, Value: "ping"},
		{Name: xml.Name{Local: "phase"}, Value: "1"},
	})
	if d.State() != StateParsing {
		t.Fatalf("expected parsing, got %s", d.State())
	}
	d.EndElement("netlock")
	if d.State() != StateReady {
		t.Fatalf("expected ready, got %s (%v)", d.State(), d.Err())
	}
	d.StartElement("bogus", nil)
	if d.State() != StateReady {
		t.Fatalf("ready decoder reacted to callback: %s", d.State())
	}
}

func TestUnmarshalRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"missing group":   `<netlock level="1" verb="lock" phase="1"></netlock>`,
		"unknown group":   `<netlock level="1" verb="ping" phase="1"><weird/></netlock>`,
		"duplicate group": `<netlock level="1" verb="ping" phase="1"><session peer="a"/><session peer="b"/></netlock>`,
		"bad verb":        `<netlock level="1" verb="steal" phase="1"></netlock>`,
		"bad phase":       `<netlock level="1" verb="ping" phase="7"></netlock>`,
		"truncated":       `<netlock level="1" verb="ping" phase="1">`,
		"bad flag":        `<netlock level="1" verb="lock" phase="1"><resource name="Ug==" wait="maybe"/></netlock>`,
		"bad name":        `<netlock level="1" verb="lock" phase="1"><resource name="***"/></netlock>`,
		"wrong root":      `<lock level="1" verb="ping" phase="1"></lock>`,
		"text":            `<netlock level="1" verb="ping" phase="1">hello</netlock>`,
	}
	for name, payload := range cases {
		if _, err := Unmarshal([]byte(payload)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteMessage(&buf, sampleMessage(VerbPing, Phase1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()
	if len(raw) < PrefixWidth || strings.Trim(string(raw[:PrefixWidth]), "0123456789") != "" {
		t.Fatalf("prefix is not decimal: %q", raw[:PrefixWidth])
	}
	msg, err := ReadMessage(&buf, DefaultMaxFrame)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Verb != VerbPing || msg.Phase != Phase1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, err := ReadFrame(&buf, DefaultMaxFrame); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on clean end, got %v", err)
	}
}

func TestFrameErrorsAreDistinct(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		input string
		max   int
		want  error
	}{
		{"short prefix", "0000", 0, ErrShortPrefix},
		{"non numeric", "00x00010hello", 0, ErrBadPrefix},
		{"signed", "-0000005hello", 0, ErrBadPrefix},
		{"short payload", "00000010hello", 0, ErrInvalidLength},
		{"too large", "00000100", 10, ErrFrameTooLarge},
	}
	for _, tc := range cases {
		_, err := ReadFrame(strings.NewReader(tc.input), tc.max)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		for _, other := range []error{ErrShortPrefix, ErrBadPrefix, ErrInvalidLength, ErrFrameTooLarge} {
			if other != tc.want && errors.Is(err, other) {
				t.Fatalf("%s: error %v also matches %v", tc.name, err, other)
			}
		}
	}
}

func TestAppendFramePrefix(t *testing.T) {
	t.Parallel()
	out, err := AppendFrame(nil, []byte("abc"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if string(out) != "00000003abc" {
		t.Fatalf("unexpected frame %q", out)
	}
}
