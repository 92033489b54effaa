package reverie

import "maps"

// ExecutionContext is the transient per-request state handed to a Runnable.
// It follows an immutable-update discipline: With, Merge, and the other
// derivation methods return copies; the receiver is never mutated. Flows
// thread derived contexts between nodes without aliasing surprises.
type ExecutionContext struct {
	SessionID   string
	UserInput   string
	InputMode   InputMode
	CharacterID string
	VisibleFor  []string
	// StopResponse is set by nodes flagged can_stop_response to request
	// that the outer response stream close early.
	StopResponse bool

	data map[string]any
}

// NewExecutionContext creates a context for one request.
func NewExecutionContext(sessionID string) *ExecutionContext {
	return &ExecutionContext{SessionID: sessionID}
}

// Value returns a named data entry set by an earlier node's output adapter.
func (c *ExecutionContext) Value(key string) (any, bool) {
	v, ok := c.data[key]
	return v, ok
}

// String returns a named data entry as a string, or "" when absent or
// not a string.
func (c *ExecutionContext) String(key string) string {
	if v, ok := c.data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Bool returns a named data entry as a bool, false when absent.
func (c *ExecutionContext) Bool(key string) bool {
	if v, ok := c.data[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// clone returns a shallow copy with its own data map.
func (c *ExecutionContext) clone() *ExecutionContext {
	out := *c
	out.data = make(map[string]any, len(c.data))
	maps.Copy(out.data, c.data)
	if len(c.VisibleFor) > 0 {
		out.VisibleFor = append([]string(nil), c.VisibleFor...)
	}
	return &out
}

// With returns a copy with one data entry set.
func (c *ExecutionContext) With(key string, value any) *ExecutionContext {
	out := c.clone()
	out.data[key] = value
	return out
}

// Merge returns a copy with all entries of m set. An empty or nil map
// returns the receiver unchanged: output adapters use the empty map as the
// explicit "no valid output, do not overwrite" sentinel.
func (c *ExecutionContext) Merge(m map[string]any) *ExecutionContext {
	if len(m) == 0 {
		return c
	}
	out := c.clone()
	maps.Copy(out.data, m)
	return out
}

// WithInput returns a copy with UserInput and InputMode replaced.
func (c *ExecutionContext) WithInput(input string, mode InputMode) *ExecutionContext {
	out := c.clone()
	out.UserInput = input
	out.InputMode = mode
	return out
}

// WithCharacter returns a copy scoped to the given character id.
func (c *ExecutionContext) WithCharacter(characterID string) *ExecutionContext {
	out := c.clone()
	out.CharacterID = characterID
	return out
}

// WithVisibility returns a copy with the visibility set replaced.
func (c *ExecutionContext) WithVisibility(characterIDs []string) *ExecutionContext {
	out := c.clone()
	out.VisibleFor = append([]string(nil), characterIDs...)
	return out
}

// WithStopResponse returns a copy with the stop-response flag set.
func (c *ExecutionContext) WithStopResponse() *ExecutionContext {
	out := c.clone()
	out.StopResponse = true
	return out
}
