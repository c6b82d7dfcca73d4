package policy

import "fmt"

// NormalizeError indicates a fundamentally invalid poll policy.
type NormalizeError struct {
	Field string
	Value string
}

func (e *NormalizeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("attribution: invalid poll policy: %s=%q", e.Field, e.Value)
}
