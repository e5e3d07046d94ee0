package lib

import "testing"

func TestGSIFromIPAndString(t *testing.T) {
	g := NewGSIFromIP([4]byte{192, 168, 1, 1}, 42)
	want := "c0:a8:01:01:00:2a"
	if got := g.String(); got != want {
		t.Fatalf("GSI.String() = %q, want %q", got, want)
	}
}

func TestTSIMarshalRoundTrip(t *testing.T) {
	tsi := TSI{GSI: GSI{1, 2, 3, 4, 5, 6}, Port: 7777}
	buf := make([]byte, TSISize)
	tsi.Marshal(buf)

	got, err := ParseTSI(buf)
	if err != nil {
		t.Fatalf("ParseTSI: %v", err)
	}
	if got != tsi {
		t.Fatalf("round trip = %+v, want %+v", got, tsi)
	}
}

func TestParseTSIShortBuffer(t *testing.T) {
	if _, err := ParseTSI(make([]byte, TSISize-1)); err == nil {
		t.Fatal("expected an error for a short buffer")
	}
}

// TestTSIAsMapKey checks the data-model requirement that TSI is a valid,
// distinguishing hash key for the peer table.
func TestTSIAsMapKey(t *testing.T) {
	m := make(map[TSI]int)
	a := TSI{GSI: GSI{1, 1, 1, 1, 1, 1}, Port: 1}
	b := TSI{GSI: GSI{1, 1, 1, 1, 1, 1}, Port: 2}
	m[a] = 1
	m[b] = 2
	if len(m) != 2 || m[a] != 1 || m[b] != 2 {
		t.Fatalf("distinct TSIs collided in the map: %+v", m)
	}
}
