package otp

import (
	"errors"
	"strings"
)

// CodeLength is the number of digits in a passcode.
const CodeLength = 4

// NoFocus marks a challenge without a focused slot.
const NoFocus = -1

// Validity is the tri-state result of comparing an entered code.
type Validity int

const (
	// ValidityUnknown holds while any slot is empty or no expected code is known.
	ValidityUnknown Validity = iota
	ValidityValid
	ValidityInvalid
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidDigit = errors.New("otp: digit must be 0-9")
	ErrInvalidIndex = errors.New("otp: slot index out of range")
)

// Challenge is the entry buffer of a passcode screen. It performs no I/O.
// The zero value is not ready for use; call NewChallenge.
type Challenge struct {
	digits   [CodeLength]byte
	focus    int
	expected string
	validity Validity
}

// NewChallenge returns an empty challenge focused on the first slot. expected
// may be empty when the code is only known to the server.
func NewChallenge(expected string) *Challenge {
	return &Challenge{focus: 0, expected: expected}
}

// SetExpected sets the code that completed entries are compared against.
func (c *Challenge) SetExpected(code string) {
	c.expected = code
	c.recompute()
}

// EnterDigit writes value into slot index. Filling a previously empty slot
// moves focus to the first empty slot after it, if any.
func (c *Challenge) EnterDigit(value byte, index int) error {
	if value < '0' || value > '9' {
		return ErrInvalidDigit
	}
	if index < 0 || index >= CodeLength {
		return ErrInvalidIndex
	}
	wasEmpty := c.digits[index] == 0
	c.digits[index] = value
	c.focus = index
	if wasEmpty {
		for j := index + 1; j < CodeLength; j++ {
			if c.digits[j] == 0 {
				c.focus = j
				break
			}
		}
	}
	c.recompute()
	return nil
}

// Backspace deletes one digit. A filled focused slot is cleared in place;
// otherwise the slot before the focus is cleared and focused.
func (c *Challenge) Backspace() {
	if c.focus == NoFocus {
		return
	}
	switch {
	case c.digits[c.focus] != 0:
		c.digits[c.focus] = 0
	case c.focus > 0:
		c.focus--
		c.digits[c.focus] = 0
	}
	c.recompute()
}

// FocusChange moves focus to index, or clears it with NoFocus.
func (c *Challenge) FocusChange(index int) error {
	if index != NoFocus && (index < 0 || index >= CodeLength) {
		return ErrInvalidIndex
	}
	c.focus = index
	return nil
}

// Clear empties every slot and focuses the first one.
func (c *Challenge) Clear() {
	c.digits = [CodeLength]byte{}
	c.focus = 0
	c.validity = ValidityUnknown
}

// Focus returns the focused slot or NoFocus.
func (c *Challenge) Focus() int { return c.focus }

// Digit returns the digit in slot index and whether the slot is filled.
func (c *Challenge) Digit(index int) (byte, bool) {
	if index < 0 || index >= CodeLength {
		return 0, false
	}
	d := c.digits[index]
	return d, d != 0
}

// Complete reports whether every slot holds a digit.
func (c *Challenge) Complete() bool {
	for _, d := range c.digits {
		if d == 0 {
			return false
		}
	}
	return true
}

// Code returns the entered code, or "" while incomplete.
func (c *Challenge) Code() string {
	if !c.Complete() {
		return ""
	}
	return string(c.digits[:])
}

// Validity returns the comparison result for the current entry.
func (c *Challenge) Validity() Validity { return c.validity }

// String renders the slots with '_' for empty ones.
func (c *Challenge) String() string {
	var b strings.Builder
	for _, d := range c.digits {
		if d == 0 {
			b.WriteByte('_')
			continue
		}
		b.WriteByte(d)
	}
	return b.String()
}

func (c *Challenge) recompute() {
	if !c.Complete() || c.expected == "" {
		c.validity = ValidityUnknown
		return
	}
	if string(c.digits[:]) == c.expected {
		c.validity = ValidityValid
		return
	}
	c.validity = ValidityInvalid
}
