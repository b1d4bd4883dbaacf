package resource

import (
	"fmt"
	"strings"
)

// Mode is a DLM lock mode. The zero value means "not specified" and is
// replaced by the configured default before a request is evaluated.
type Mode uint8

const (
	ModeUnset Mode = iota
	ModeNL
	ModeCR
	ModeCW
	ModePR
	ModePW
	ModeEX
)

const numModes = 6

// Modes lists the real modes from weakest to strongest.
var Modes = [numModes]Mode{ModeNL, ModeCR, ModeCW, ModePR, ModePW, ModeEX}

// compat[held][requested], indexed by mode-1.
var compat = [numModes][numModes]bool{
	//        NL    CR     CW     PR     PW     EX
	/*NL*/ {true, true, true, true, true, true},
	/*CR*/ {true, true, true, true, true, false},
	/*CW*/ {true, true, true, false, false, false},
	/*PR*/ {true, true, false, true, false, false},
	/*PW*/ {true, true, false, false, false, false},
	/*EX*/ {true, false, false, false, false, false},
}

// CanGrant reports whether requested may be granted while held is already
// granted to another connection.
func CanGrant(held, requested Mode) bool {
	if !held.Valid() || !requested.Valid() {
		return false
	}
	return compat[held-1][requested-1]
}

// Valid reports whether m is one of the six DLM modes.
func (m Mode) Valid() bool {
	return m >= ModeNL && m <= ModeEX
}

var modeNames = [...]string{
	ModeUnset: "",
	ModeNL:    "NL",
	ModeCR:    "CR",
	ModeCW:    "CW",
	ModePR:    "PR",
	ModePW:    "PW",
	ModeEX:    "EX",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// MarshalText renders the short mode name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts any spelling understood by ParseMode.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, ok := ParseMode(string(b))
	if !ok {
		return fmt.Errorf("resource: unknown lock mode %q", string(b))
	}
	*m = parsed
	return nil
}

var modeAliases = map[string]Mode{
	"nl":              ModeNL,
	"null":            ModeNL,
	"cr":              ModeCR,
	"concurrentread":  ModeCR,
	"cw":              ModeCW,
	"concurrentwrite": ModeCW,
	"pr":              ModePR,
	"protectedread":   ModePR,
	"pw":              ModePW,
	"protectedwrite":  ModePW,
	"ex":              ModeEX,
	"exclusive":       ModeEX,
}

// ParseMode maps mode text to a Mode. Matching ignores case, blanks, dashes
// and underscores, so "protected-read" and "PR" are the same mode. An empty
// string parses as ModeUnset.
func ParseMode(s string) (Mode, bool) {
	key := strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '\t':
			return -1
		}
		return r
	}, strings.ToLower(s))
	if key == "" {
		return ModeUnset, true
	}
	m, ok := modeAliases[key]
	return m, ok
}
