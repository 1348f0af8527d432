package seq

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tail := seedTail("token.BTC", 1_700_000_000_123)
	id := encode(1_700_000_000_123, tail)

	millis, gotTail, err := decode(id)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if millis != 1_700_000_000_123 {
		t.Fatalf("millis = %d, want 1700000000123", millis)
	}
	if string(gotTail) != string(tail) {
		t.Fatalf("tail mismatch: got %x want %x", gotTail, tail)
	}
}

func TestIncrementTailAdvancesLexicographically(t *testing.T) {
	tail := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	next := incrementTail(tail)

	before := encode(1000, tail)
	after := encode(1000, next)

	if !before.Less(after) {
		t.Fatalf("expected %q < %q after increment", before, after)
	}
}

func TestIncrementTailCarries(t *testing.T) {
	tail := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff}
	next := incrementTail(tail)
	want := []byte{0, 0, 0, 0, 0, 0, 0, 0, 1, 0x00}
	for i := range want {
		if next[i] != want[i] {
			t.Fatalf("incrementTail carry mismatch at %d: got %x want %x", i, next, want)
		}
	}
}

func TestSeedTailDeterministicPerTopicAndTime(t *testing.T) {
	a := seedTail("room", 1000)
	b := seedTail("room", 1000)
	if string(a) != string(b) {
		t.Fatalf("seedTail should be deterministic for the same (topic, millis)")
	}

	c := seedTail("other-room", 1000)
	if string(a) == string(c) {
		t.Fatalf("seedTail should differ across topics")
	}
}

func TestEncodeIsLexicographicallyOrderedByTime(t *testing.T) {
	idA := encode(1000, seedTail("t", 1000))
	idB := encode(1001, seedTail("t", 1001))
	if !idA.Less(idB) {
		t.Fatalf("expected id at t=1000 to sort before id at t=1001")
	}
}
