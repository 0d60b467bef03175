package canon

import "testing"

func TestNormalizeSortsKeys(t *testing.T) {
	a, err := Normalize([]byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	b, err := Normalize([]byte(`{ "a":1,"b": 2 }`))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("expected identical canonical forms, got %q vs %q", a, b)
	}
	if string(a) != `{"a":1,"b":2}` {
		t.Errorf("unexpected canonical form: %q", a)
	}
}

func TestNormalizeKeepsNumberForm(t *testing.T) {
	out, err := Normalize([]byte(`{"n": 1, "f": 1.50}`))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if string(out) != `{"f":1.50,"n":1}` {
		t.Errorf("number form not preserved: %q", out)
	}
}

func TestHashJSONStableUnderReordering(t *testing.T) {
	h1, err := HashJSON(map[string]any{"x": "1", "y": []string{"a"}})
	if err != nil {
		t.Fatalf("HashJSON() error: %v", err)
	}
	h2, err := HashJSON(map[string]any{"y": []string{"a"}, "x": "1"})
	if err != nil {
		t.Fatalf("HashJSON() error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash differs under key reordering: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected hex sha256, got %q", h1)
	}
}
