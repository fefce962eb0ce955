package tools

import "testing"

func TestParseRoll_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr string
		want Roll
	}{
		{"1d6", Roll{1, 6, 0}},
		{"2d6+3", Roll{2, 6, 3}},
		{"4d8-1", Roll{4, 8, -1}},
		{"d20", Roll{1, 20, 0}},
		{"D6", Roll{1, 6, 0}},
		{" 3d6+0 ", Roll{3, 6, 0}},
		{"1d100-50", Roll{1, 100, -50}},
		{"12", Roll{0, 0, 12}},
		{"-4", Roll{0, 0, -4}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRoll(tt.expr)
			if err != nil {
				t.Fatalf("ParseRoll(%q): unexpected error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("ParseRoll(%q) = %+v, want %+v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseRoll_Invalid(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",
		"abc",
		"0d6",
		"2d0",
		"xd6",
		"2dx",
		"2d6+x",
		"2d6-",
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseRoll(expr); err == nil {
				t.Errorf("ParseRoll(%q): expected error", expr)
			}
		})
	}
}

func TestRoll_Evaluate(t *testing.T) {
	t.Parallel()
	maxRoll := func(n int) int { return n - 1 }
	minRoll := func(int) int { return 0 }

	r := Roll{Count: 2, Sides: 6, Modifier: 3}
	if got := r.Evaluate(maxRoll); got != 15 {
		t.Errorf("max = %d, want 15", got)
	}
	if got := r.Evaluate(minRoll); got != 5 {
		t.Errorf("min = %d, want 5", got)
	}
	if got := (Roll{Modifier: 7}).Evaluate(nil); got != 7 {
		t.Errorf("flat = %d, want 7", got)
	}
	for range 100 {
		if got := r.Evaluate(nil); got < 5 || got > 15 {
			t.Fatalf("Evaluate = %d, out of range [5, 15]", got)
		}
	}
}
