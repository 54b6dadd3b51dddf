package fab

import (
	"testing"
)

func TestUUID_TextRoundTrip(t *testing.T) {
	id := NewUUID()
	ba, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	if string(ba) != id.String() {
		t.Fatalf("MarshalText = %q, want %q", ba, id.String())
	}
	var back UUID
	if err := back.UnmarshalText(ba); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if back != id {
		t.Fatalf("round trip changed the id: %s != %s", back, id)
	}
	parsed, err := ParseUUID(id.String())
	if err != nil || parsed != id {
		t.Fatalf("ParseUUID = %s, %v", parsed, err)
	}
}

func TestParseUUID_RejectsGarbage(t *testing.T) {
	if _, err := ParseUUID("not-a-uuid"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestUUID_IsNil(t *testing.T) {
	if !NilUUID.IsNil() {
		t.Fatalf("NilUUID.IsNil() = false")
	}
	if NewUUID().IsNil() {
		t.Fatalf("fresh UUID reported nil")
	}
}

func TestUUID_SplitPreservesAllBits(t *testing.T) {
	id := NewUUID()
	high, low := id.Split()

	var back UUID
	for i := 7; i >= 0; i-- {
		back[i] = byte(high)
		high >>= 8
	}
	for i := 15; i >= 8; i-- {
		back[i] = byte(low)
		low >>= 8
	}
	if back != id {
		t.Fatalf("Split lost bits: %s != %s", back, id)
	}
}

func TestUUID_CompareIsAntisymmetric(t *testing.T) {
	x, y := NewUUID(), NewUUID()
	if x.Compare(x) != 0 {
		t.Fatalf("Compare(x, x) != 0")
	}
	if x.Compare(y) != -y.Compare(x) {
		t.Fatalf("Compare(%s, %s) = %d but reversed = %d", x, y, x.Compare(y), y.Compare(x))
	}
}
