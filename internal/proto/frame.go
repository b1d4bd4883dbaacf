package proto

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// PrefixWidth is the number of decimal ASCII digits in front of every payload.
const PrefixWidth = 8

// MaxFrameSize is the largest payload the prefix can describe.
const MaxFrameSize = 99_999_999

// DefaultMaxFrame bounds payloads accepted by default; lock traffic is tiny.
const DefaultMaxFrame = 64 << 10

var (
	// ErrShortPrefix is returned when the stream ends inside the length prefix.
	ErrShortPrefix = errors.New("proto: short length prefix")
	// ErrBadPrefix is returned when the prefix is not a decimal number.
	ErrBadPrefix = errors.New("proto: non-numeric length prefix")
	// ErrInvalidLength is returned when fewer payload bytes arrive than declared.
	ErrInvalidLength = errors.New("proto: invalid length")
	// ErrFrameTooLarge is returned when the declared length exceeds the limit.
	ErrFrameTooLarge = errors.New("proto: frame too large")
)

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var prefix [PrefixWidth]byte
	n := len(payload)
	for i := PrefixWidth - 1; i >= 0; i-- {
		prefix[i] = byte('0' + n%10)
		n /= 10
	}
	dst = append(dst, prefix[:]...)
	return append(dst, payload...), nil
}

// WriteFrame writes payload with its prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, PrefixWidth+len(payload)), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one framed payload. A clean end of stream before
// the first prefix byte is reported as io.EOF; every other shortfall maps to
// its own error.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		maxSize = MaxFrameSize
	}
	var prefix [PrefixWidth]byte
	n, err := io.ReadFull(r, prefix[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got %d of %d digits", ErrShortPrefix, n, PrefixWidth)
		}
		return nil, err
	}
	size, err := parsePrefix(prefix[:])
	if err != nil {
		return nil, err
	}
	if size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	payload := make([]byte, size)
	got, err := io.ReadFull(r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: declared %d, read %d", ErrInvalidLength, size, got)
		}
		return nil, err
	}
	return payload, nil
}

func parsePrefix(b []byte) (int, error) {
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrBadPrefix, string(b))
		}
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadPrefix, string(b))
	}
	return v, nil
}

// ReadMessage reads one frame and decodes it.
func ReadMessage(r io.Reader, maxSize int) (*Message, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Unmarshal(payload)
}

// WriteMessage serializes and frames m.
func WriteMessage(w io.Writer, m *Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// Encode returns the framed bytes for m.
func Encode(m *Message) ([]byte, error) {
	payload, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, PrefixWidth+len(payload)), payload)
}
