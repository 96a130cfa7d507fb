package types

import (
	"fmt"
	"strings"
)

// Priority orders admitted requests in the execution queue. Higher values are
// dequeued first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

// PriorityCount is the number of priority tiers.
const PriorityCount = int(PriorityCritical) + 1

var priorityNames = [PriorityCount]string{"low", "normal", "high", "urgent", "critical"}

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	return int(p) < PriorityCount
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
	return priorityNames[p]
}

// Priorities lists every tier from lowest to highest.
func Priorities() []Priority {
	out := make([]Priority, PriorityCount)
	for i := range out {
		out[i] = Priority(i)
	}
	return out
}

// ParsePriority accepts tier names case-insensitively. An empty string maps to
// PriorityNormal.
func ParsePriority(raw string) (Priority, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if name == trimmed {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", raw)
}

// MarshalText renders the tier name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText parses a tier name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
