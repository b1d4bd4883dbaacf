package resource

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the structural category of a resource, derived from its name.
type Kind uint8

const (
	KindSimple Kind = iota + 1
	KindNumeric
	KindSet
	KindHierarchical
	KindSequence
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindNumeric:
		return "numeric"
	case KindSet:
		return "set"
	case KindHierarchical:
		return "hierarchical"
	case KindSequence:
		return "sequence"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name written by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	for c := KindSimple; c <= KindTimestamp; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("resource: unknown kind %q", string(b))
}

// Name grammar separators.
const (
	SetSeparator       = ','
	HierarchySeparator = '/'
	sequenceSuffix     = '+'
	timestampSuffix    = '@'
)

// MaxNameLength bounds resource names accepted by Classify.
const MaxNameLength = 1024

// maxCapacity keeps Numeric capacities well inside int on every platform.
const maxCapacity = 1 << 30

var (
	// ErrInvalidResourceName is returned when a name matches no grammar rule.
	ErrInvalidResourceName = errors.New("resource: invalid resource name")
	// ErrUnsupportedKind is returned for kinds that are declared but not served.
	ErrUnsupportedKind = errors.New("resource: unsupported resource kind")
)

// Spec is the parsed form of a resource name.
type Spec struct {
	Kind Kind
	// Name is the canonical spelling of the requested name.
	Name string
	// Key identifies the resource instance that serves Name. Hierarchical
	// names share the instance of their root segment.
	Key      string
	Capacity int
	Elements []string
	Path     []string
}

// Classify parses name with a hand-written recursive-descent reader:
//
//	ident      = alpha { alnum | "_" | "-" }
//	simple     = ident
//	numeric    = ident ( "[" digits "]" | "(" digits ")" )
//	set        = ident "," ident { "," ident }
//	tree       = ident "/" ident { "/" ident }
//	sequence   = ident "+"
//	timestamp  = ident "@"
func Classify(name string) (Spec, error) {
	if name == "" {
		return Spec{}, fmt.Errorf("%w: empty", ErrInvalidResourceName)
	}
	if len(name) > MaxNameLength {
		return Spec{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidResourceName, MaxNameLength)
	}
	p := &nameParser{src: name}
	head, ok := p.ident()
	if !ok {
		return Spec{}, p.errorf("expected identifier")
	}
	if p.done() {
		return Spec{Kind: KindSimple, Name: head, Key: keyFor(KindSimple, head)}, nil
	}
	switch c := p.peek(); c {
	case '[', '(':
		return p.numeric(head, c)
	case SetSeparator:
		return p.list(head, KindSet, SetSeparator)
	case HierarchySeparator:
		return p.list(head, KindHierarchical, HierarchySeparator)
	case sequenceSuffix, timestampSuffix:
		p.pos++
		if !p.done() {
			return Spec{}, p.errorf("trailing input")
		}
		kind := KindSequence
		if c == timestampSuffix {
			kind = KindTimestamp
		}
		return Spec{Kind: kind, Name: name, Key: keyFor(kind, head)}, nil
	default:
		return Spec{}, p.errorf("unexpected %q", c)
	}
}

func keyFor(kind Kind, name string) string {
	return kind.String() + ":" + name
}

type nameParser struct {
	src string
	pos int
}

func (p *nameParser) done() bool { return p.pos >= len(p.src) }

func (p *nameParser) peek() byte { return p.src[p.pos] }

func (p *nameParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %q at offset %d: %s", ErrInvalidResourceName, p.src, p.pos, fmt.Sprintf(format, args...))
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (p *nameParser) ident() (string, bool) {
	start := p.pos
	if p.done() || !isAlpha(p.peek()) {
		return "", false
	}
	p.pos++
	for !p.done() {
		c := p.peek()
		if !isAlpha(c) && !isDigit(c) && c != '_' && c != '-' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos], true
}

func (p *nameParser) numeric(head string, open byte) (Spec, error) {
	closer := byte(']')
	if open == '(' {
		closer = ')'
	}
	p.pos++
	start := p.pos
	for !p.done() && isDigit(p.peek()) {
		p.pos++
	}
	digits := p.src[start:p.pos]
	if digits == "" {
		return Spec{}, p.errorf("expected capacity digits")
	}
	if p.done() || p.peek() != closer {
		return Spec{}, p.errorf("expected %q", closer)
	}
	p.pos++
	if !p.done() {
		return Spec{}, p.errorf("trailing input")
	}
	capacity, err := strconv.Atoi(digits)
	if err != nil || capacity < 1 || capacity > maxCapacity {
		return Spec{}, fmt.Errorf("%w: capacity %q out of range", ErrInvalidResourceName, digits)
	}
	canonical := head + "[" + strconv.Itoa(capacity) + "]"
	return Spec{Kind: KindNumeric, Name: canonical, Key: keyFor(KindNumeric, head), Capacity: capacity}, nil
}

func (p *nameParser) list(head string, kind Kind, sep byte) (Spec, error) {
	parts := []string{head}
	for !p.done() {
		if p.peek() != sep {
			return Spec{}, p.errorf("unexpected %q", p.peek())
		}
		p.pos++
		part, ok := p.ident()
		if !ok {
			return Spec{}, p.errorf("expected identifier after %q", sep)
		}
		parts = append(parts, part)
	}
	if kind == KindSet {
		seen := make(map[string]struct{}, len(parts))
		for _, part := range parts {
			if _, dup := seen[part]; dup {
				return Spec{}, fmt.Errorf("%w: duplicate set element %q", ErrInvalidResourceName, part)
			}
			seen[part] = struct{}{}
		}
		name := strings.Join(parts, string(sep))
		return Spec{Kind: KindSet, Name: name, Key: keyFor(KindSet, name), Elements: parts}, nil
	}
	return Spec{
		Kind: KindHierarchical,
		Name: strings.Join(parts, string(sep)),
		Key:  keyFor(KindHierarchical, head),
		Path: parts,
	}, nil
}
