package grid

import (
	"errors"
	"fmt"
)

// IDLen is the fixed length of a worker id.
const IDLen = 4

// IDSpace is the number of distinct worker ids (62^4).
const IDSpace = 62 * 62 * 62 * 62

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ErrIDSpaceExhausted is returned when every worker id value is taken.
var ErrIDSpaceExhausted = errors.New("worker id space exhausted")

// ErrInvalidID is returned for ids that are not four base-62 digits.
var ErrInvalidID = errors.New("invalid worker id")

// WorkerID is a 4-character base-62 worker identifier, least significant
// digit first.
type WorkerID [IDLen]byte

// BlankID marks a batch with no assigned worker and a client that has
// never been issued an id.
var BlankID = WorkerID{'-', '-', '-', '-'}

// ParseWorkerID converts s into a WorkerID. The blank sentinel and the
// empty string both parse to BlankID.
func ParseWorkerID(s string) (WorkerID, error) {
	if s == "" || s == BlankID.String() {
		return BlankID, nil
	}
	if len(s) != IDLen {
		return BlankID, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	var id WorkerID
	copy(id[:], s)
	if !id.Valid() {
		return BlankID, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return id, nil
}

func (id WorkerID) String() string {
	return string(id[:])
}

// IsBlank reports whether id is the blank sentinel.
func (id WorkerID) IsBlank() bool {
	return id == BlankID
}

// Valid reports whether every character is a base-62 digit.
func (id WorkerID) Valid() bool {
	for _, c := range id {
		if digitValue(c) < 0 {
			return false
		}
	}
	return true
}

// IDToValue maps a worker id onto [0, IDSpace).
func IDToValue(id WorkerID) (uint32, error) {
	var v uint32
	mult := uint32(1)
	for _, c := range id {
		d := digitValue(c)
		if d < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, id.String())
		}
		v += uint32(d) * mult
		mult *= 62
	}
	return v, nil
}

// ValueToID is the inverse of IDToValue.
func ValueToID(v uint32) (WorkerID, error) {
	if v >= IDSpace {
		return BlankID, fmt.Errorf("%w: value %d", ErrIDSpaceExhausted, v)
	}
	var id WorkerID
	for i := range id {
		id[i] = idAlphabet[v%62]
		v /= 62
	}
	return id, nil
}

func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 36
	default:
		return -1
	}
}
