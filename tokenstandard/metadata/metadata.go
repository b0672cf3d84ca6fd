// Package metadata implements the bounded string map attached to holdings,
// transfers, instructions and choice arguments.
package metadata

import (
	"fmt"
	"maps"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
)

var (
	// ErrTooManyEntries is returned when a metadata object exceeds MaxEntries.
	ErrTooManyEntries = constant.ErrMetadataTooManyEntries
	// ErrTooLarge is returned when keys and values exceed MaxChars in total.
	ErrTooLarge = constant.ErrMetadataTooLarge
)

// Limits.
const (
	MaxEntries = constant.MaxMetadataEntries
	MaxChars   = constant.MaxMetadataChars
)

// Well-known keys.
const (
	KeyReason = constant.MetadataReason
	KeyTxKind = constant.MetadataTxKind
	KeySender = constant.MetadataSender
	KeyBurned = constant.MetadataBurned
)

// Metadata is a string to string map. The zero value is empty and valid.
type Metadata map[string]string

// Size returns the combined character count of all keys and values.
func (m Metadata) Size() int {
	n := 0

	for k, v := range m {
		n += len([]rune(k)) + len([]rune(v))
	}

	return n
}

// Validate rejects metadata above either limit.
func (m Metadata) Validate() error {
	if len(m) > MaxEntries {
		return fmt.Errorf("%w: %d entries, limit %d", ErrTooManyEntries, len(m), MaxEntries)
	}

	if size := m.Size(); size > MaxChars {
		return fmt.Errorf("%w: %d characters, limit %d", ErrTooLarge, size, MaxChars)
	}

	return nil
}

// Clone returns an independent copy. A nil receiver yields nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}

	return maps.Clone(m)
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := make(Metadata, len(m)+1)
	maps.Copy(out, m)
	out[key] = value

	return out
}

// Merge combines the inputs left to right, later values overwriting earlier
// ones, and validates the result.
func Merge(ms ...Metadata) (Metadata, error) {
	out := Metadata{}

	for _, m := range ms {
		maps.Copy(out, m)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}

	return out, nil
}
