package token

import (
	"testing"
)

func TestToken_Advance(t *testing.T) {
	tok := New()
	tok.Advance("westus2", 3)
	if tok.Get("westus2") != 3 {
		t.Errorf("Expected position 3, got %d", tok.Get("westus2"))
	}

	tok.Advance("westus2", 2)
	if tok.Get("westus2") != 3 {
		t.Errorf("Advance must not move backwards, got %d", tok.Get("westus2"))
	}

	tok.Advance("eastus2", 1)
	if tok.Get("eastus2") != 1 {
		t.Errorf("Expected position 1 for eastus2, got %d", tok.Get("eastus2"))
	}
}

func TestToken_Merge(t *testing.T) {
	t1 := Token{"westus2": 3, "eastus2": 1}
	t2 := Token{"westus2": 2, "eastus2": 5, "northeurope": 1}

	t1.Merge(t2)

	if t1.Get("westus2") != 3 {
		t.Errorf("Expected 3 (max), got %d", t1.Get("westus2"))
	}
	if t1.Get("eastus2") != 5 {
		t.Errorf("Expected 5 (max), got %d", t1.Get("eastus2"))
	}
	if t1.Get("northeurope") != 1 {
		t.Errorf("Expected 1, got %d", t1.Get("northeurope"))
	}
}

func TestToken_Compare(t *testing.T) {
	tests := []struct {
		name     string
		t1       Token
		t2       Token
		expected CompareResult
	}{
		{
			name:     "equal tokens",
			t1:       Token{"a": 1, "b": 2},
			t2:       Token{"a": 1, "b": 2},
			expected: Equal,
		},
		{
			name:     "t1 before t2",
			t1:       Token{"a": 1, "b": 1},
			t2:       Token{"a": 2, "b": 2},
			expected: Before,
		},
		{
			name:     "t1 after t2",
			t1:       Token{"a": 2, "b": 2},
			t2:       Token{"a": 1, "b": 1},
			expected: After,
		},
		{
			name:     "concurrent",
			t1:       Token{"a": 2, "b": 1},
			t2:       Token{"a": 1, "b": 2},
			expected: Concurrent,
		},
		{
			name:     "subset before superset",
			t1:       Token{"a": 1},
			t2:       Token{"a": 2, "b": 1},
			expected: Before,
		},
		{
			name:     "explicit zero equals missing",
			t1:       Token{"a": 1, "b": 0},
			t2:       Token{"a": 1},
			expected: Equal,
		},
		{
			name:     "empty tokens are equal",
			t1:       New(),
			t2:       New(),
			expected: Equal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.t1.Compare(tt.t2)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestToken_Covers(t *testing.T) {
	applied := Token{"westus2": 7, "eastus2": 4}

	if !applied.Covers(At("westus2", 7)) {
		t.Error("Applied position 7 should cover a write at 7")
	}
	if !applied.Covers(At("westus2", 5)) {
		t.Error("Applied position 7 should cover a write at 5")
	}
	if applied.Covers(At("westus2", 8)) {
		t.Error("Applied position 7 must not cover a write at 8")
	}
	if applied.Covers(At("northeurope", 1)) {
		t.Error("Unknown region must not be covered")
	}
	if !applied.Covers(New()) {
		t.Error("Every token covers the empty token")
	}
}

func TestToken_Copy(t *testing.T) {
	t1 := Token{"a": 5, "b": 3}

	t2 := t1.Copy()
	if !t1.Equal(t2) {
		t.Error("Copy should be equal to original")
	}

	t2.Advance("a", 6)
	if t1.Get("a") == t2.Get("a") {
		t.Error("Modifying copy should not affect original")
	}
}

func TestToken_EncodeDecode(t *testing.T) {
	tok := Token{"West US 2": 12, "East US": 3}

	encoded := tok.Encode()
	if encoded == "" {
		t.Fatal("Expected non-empty encoding")
	}
	if encoded != (Token{"East US": 3, "West US 2": 12}).Encode() {
		t.Error("Encoding should not depend on map order")
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !decoded.Equal(tok) {
		t.Errorf("Expected %v, got %v", tok, decoded)
	}

	empty, err := Decode("")
	if err != nil || !empty.IsZero() {
		t.Errorf("Empty string should decode to empty token, got %v (%v)", empty, err)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []string{
		"%%%",
		New().Encode() + "bm9wZQ", // "nope"
	}
	for _, in := range tests {
		if _, err := Decode(in); err == nil {
			t.Errorf("Expected error decoding %q", in)
		}
	}
}

func TestToken_String(t *testing.T) {
	tok := Token{"b": 2, "a": 1}
	if got := tok.String(); got != "{a=1, b=2}" {
		t.Errorf("Expected {a=1, b=2}, got %s", got)
	}
	if got := New().String(); got != "{}" {
		t.Errorf("Expected {}, got %s", got)
	}
}
