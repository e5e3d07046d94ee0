package lib

import "testing"

func TestSQNLess(t *testing.T) {
	cases := []struct {
		a, b SQN
		want bool
	}{
		{10, 5, false},
		{5, 10, true},
		{5, 4294967295, false},
		{4294967295, 5, true},
		{2147483647, 2147483646, false},
		{2147483646, 2147483647, true},
		{0, 4294967295, false},
		{4294967295, 0, true},
	}
	for _, tc := range cases {
		if got := tc.a.Less(tc.b); got != tc.want {
			t.Errorf("SQN(%d).Less(%d) = %t, want %t", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSQNGreaterEqual(t *testing.T) {
	if !SQN(10).Greater(5) {
		t.Error("10 should be greater than 5 in serial order")
	}
	if SQN(5).Greater(10) {
		t.Error("5 should not be greater than 10")
	}
	if !SQN(5).GreaterEqual(5) {
		t.Error("5 should be >= 5")
	}
	if !SQN(5).LessEqual(5) {
		t.Error("5 should be <= 5")
	}
}

func TestSQNAddDistance(t *testing.T) {
	a := SQN(100)
	b := a.Add(5)
	if b != 105 {
		t.Errorf("Add(5) = %d, want 105", b)
	}
	if d := a.Distance(b); d != 5 {
		t.Errorf("Distance = %d, want 5", d)
	}

	wrapped := SQN(4294967294).Add(5)
	if wrapped != 3 {
		t.Errorf("wraparound Add = %d, want 3", wrapped)
	}
}
