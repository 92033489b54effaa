package reverie

import "testing"

func TestExecutionContext_WithDoesNotMutateReceiver(t *testing.T) {
	base := NewExecutionContext("s1")
	derived := base.With("key", "value")

	if _, ok := base.Value("key"); ok {
		t.Error("With mutated the receiver")
	}
	if derived.String("key") != "value" {
		t.Errorf("got %q, want %q", derived.String("key"), "value")
	}
}

func TestExecutionContext_MergeEmptyMapIsSentinel(t *testing.T) {
	base := NewExecutionContext("s1").With("decision", "telegram")

	same := base.Merge(map[string]any{})
	if same != base {
		t.Error("empty merge should return the receiver unchanged")
	}
	if same.String("decision") != "telegram" {
		t.Error("empty merge lost existing data")
	}

	merged := base.Merge(map[string]any{"strategy": "be gentle"})
	if merged == base {
		t.Error("non-empty merge should copy")
	}
	if merged.String("strategy") != "be gentle" || merged.String("decision") != "telegram" {
		t.Errorf("merge result incomplete: %q %q", merged.String("strategy"), merged.String("decision"))
	}
}

func TestExecutionContext_WithInputReplacesBoth(t *testing.T) {
	ec := NewExecutionContext("s1").WithInput("hello", InputPhone)
	if ec.UserInput != "hello" || ec.InputMode != InputPhone {
		t.Errorf("got %q/%q", ec.UserInput, ec.InputMode)
	}
}

func TestExecutionContext_VisibilityCopied(t *testing.T) {
	ids := []string{"a", "b"}
	ec := NewExecutionContext("s1").WithVisibility(ids)
	ids[0] = "mutated"
	if ec.VisibleFor[0] != "a" {
		t.Error("visibility aliased the caller's slice")
	}
}

func TestExecutionContext_TypedAccessors(t *testing.T) {
	ec := NewExecutionContext("s1").With("flag", true).With("n", 42)
	if !ec.Bool("flag") {
		t.Error("bool accessor")
	}
	if ec.Bool("n") {
		t.Error("non-bool should read false")
	}
	if ec.String("n") != "" {
		t.Error("non-string should read empty")
	}
	if ec.String("missing") != "" || ec.Bool("missing") {
		t.Error("missing keys should read zero values")
	}
}

func TestInputMode_CategoryMapping(t *testing.T) {
	cases := []struct {
		mode InputMode
		want MessageCategory
	}{
		{InputPhone, CategoryTelegram},
		{InputInPerson, CategorySpeakInPerson},
		{InputInnerVoice, CategoryThought},
		{InputCommand, CategorySystemInstruction},
		{InputSkip, CategoryNormal},
	}
	for _, c := range cases {
		if got := c.mode.Category(); got != c.want {
			t.Errorf("%s: got %s, want %s", c.mode, got, c.want)
		}
	}
}
