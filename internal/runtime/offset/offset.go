// Package offset models positions within a partition's message sequence.
package offset

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
)

// Kind identifies the variant held by an Offset.
type Kind uint8

const (
	KindNone Kind = iota
	KindSequence
	KindTimeUUID
)

func (k Kind) String() string {
	switch k {
	case KindSequence:
		return "sequence"
	case KindTimeUUID:
		return "time-uuid"
	default:
		return "none"
	}
}

// Offset is an immutable position marker. The zero value is None. Offsets are
// comparable with == and usable as map keys.
type Offset struct {
	kind Kind
	seq  int64
	id   uuid.UUID
}

// None means "no offset" and is the zero value.
var None = Offset{}

// Sequence returns an integer offset.
func Sequence(v int64) Offset {
	return Offset{kind: KindSequence, seq: v}
}

// TimeUUID returns an offset ordered by the timestamp embedded in id.
func TimeUUID(id uuid.UUID) Offset {
	return Offset{kind: KindTimeUUID, id: id}
}

func (o Offset) Kind() Kind { return o.kind }

func (o Offset) IsNone() bool { return o.kind == KindNone }

// IsNone reports whether o carries no position.
func IsNone(o Offset) bool { return o.IsNone() }

// SequenceValue returns the integer of a Sequence offset.
func (o Offset) SequenceValue() (int64, bool) {
	return o.seq, o.kind == KindSequence
}

// UUID returns the identifier of a TimeUUID offset.
func (o Offset) UUID() (uuid.UUID, bool) {
	return o.id, o.kind == KindTimeUUID
}

func (o Offset) String() string {
	switch o.kind {
	case KindSequence:
		return fmt.Sprintf("Sequence(%d)", o.seq)
	case KindTimeUUID:
		return fmt.Sprintf("TimeUUID(%s)", o.id)
	default:
		return "None"
	}
}

// Ordering is the result of Compare.
type Ordering int

const (
	Less         Ordering = -1
	Equal        Ordering = 0
	Greater      Ordering = 1
	Incomparable Ordering = 2
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "incomparable"
	}
}

// Compare orders a against b. None is the origin: it equals itself and precedes
// every real offset. A Sequence never compares with a TimeUUID; that pairing
// yields Incomparable and an error matching errors.ErrIncomparableOffsets.
func Compare(a, b Offset) (Ordering, error) {
	switch {
	case a.kind == KindNone && b.kind == KindNone:
		return Equal, nil
	case a.kind == KindNone:
		return Less, nil
	case b.kind == KindNone:
		return Greater, nil
	case a.kind != b.kind:
		return Incomparable, &errspkg.IncomparableOffsetsError{Left: a.String(), Right: b.String()}
	case a.kind == KindSequence:
		return ordering(cmpInt64(a.seq, b.seq)), nil
	default:
		return ordering(compareTimeUUID(a.id, b.id)), nil
	}
}

// After reports whether a is strictly greater than b.
func After(a, b Offset) (bool, error) {
	ord, err := Compare(a, b)
	return ord == Greater, err
}

// compareTimeUUID orders by timestamp, then clock sequence, then node bytes.
func compareTimeUUID(a, b uuid.UUID) int {
	if c := cmpInt64(int64(a.Time()), int64(b.Time())); c != 0 {
		return c
	}
	if c := cmpInt64(int64(a.ClockSequence()), int64(b.ClockSequence())); c != 0 {
		return c
	}
	return bytes.Compare(a[10:], b[10:])
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func ordering(c int) Ordering {
	switch {
	case c < 0:
		return Less
	case c > 0:
		return Greater
	}
	return Equal
}

const (
	seqPrefix  = "seq:"
	uuidPrefix = "uuid:"
)

// MarshalText encodes o as "seq:<n>", "uuid:<id>" or the empty string.
func (o Offset) MarshalText() ([]byte, error) {
	switch o.kind {
	case KindSequence:
		return []byte(seqPrefix + strconv.FormatInt(o.seq, 10)), nil
	case KindTimeUUID:
		return []byte(uuidPrefix + o.id.String()), nil
	default:
		return []byte{}, nil
	}
}

func (o *Offset) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Text is MarshalText without the error.
func (o Offset) Text() string {
	b, _ := o.MarshalText()
	return string(b)
}

// Parse decodes the MarshalText form.
func Parse(s string) (Offset, error) {
	switch {
	case s == "":
		return None, nil
	case strings.HasPrefix(s, seqPrefix):
		v, err := strconv.ParseInt(s[len(seqPrefix):], 10, 64)
		if err != nil {
			return None, fmt.Errorf("flowbind: invalid sequence offset %q: %w", s, err)
		}
		return Sequence(v), nil
	case strings.HasPrefix(s, uuidPrefix):
		id, err := uuid.Parse(s[len(uuidPrefix):])
		if err != nil {
			return None, fmt.Errorf("flowbind: invalid uuid offset %q: %w", s, err)
		}
		return TimeUUID(id), nil
	}
	return None, fmt.Errorf("flowbind: unrecognised offset %q", s)
}
