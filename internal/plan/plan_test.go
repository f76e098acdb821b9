package plan

import "testing"

func TestResolve(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"PRO", "PRO"},
		{"pro", "PRO"},
		{" Pro ", "PRO"},
		{"BASIC", "BASIC"},
		{"", "BASIC"},
		{"ENTERPRISE", "BASIC"},
	}
	for _, tc := range cases {
		if got := Resolve(tc.in); got.Name != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.in, got.Name, tc.want)
		}
	}
}

func TestGraceAmount(t *testing.T) {
	g := GracePolicy{Enabled: true, MaxPercent: 1, MaxAbsolute: 100}

	// 1% of 2200 is 22, below the absolute cap.
	if got := g.Amount(2200); got != 22 {
		t.Errorf("Amount(2200) = %d, want 22", got)
	}

	// 1% of 50000 is 500, clamped by the absolute cap.
	if got := g.Amount(50000); got != 100 {
		t.Errorf("Amount(50000) = %d, want 100", got)
	}

	disabled := GracePolicy{Enabled: false, MaxPercent: 1, MaxAbsolute: 100}
	if got := disabled.Amount(2200); got != 0 {
		t.Errorf("disabled Amount(2200) = %d, want 0", got)
	}
}

func TestUnlimited(t *testing.T) {
	if !Unlimited(0) {
		t.Error("Unlimited(0) = false, want true")
	}
	if Unlimited(1) {
		t.Error("Unlimited(1) = true, want false")
	}
}
