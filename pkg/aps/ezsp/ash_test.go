package ezsp

import "testing"

func TestAshStuffUnstuffRoundTrip(t *testing.T) {
	raw := []byte{0x7E, 0x11, 0x13, 0x18, 0x1A, 0x7D, 0x00, 0xFF}
	stuffed := ashStuff(raw)

	for _, b := range stuffed {
		switch b {
		case ashFlagByte, ashXON, ashXOFF, ashSubstitute, ashCancelByte:
			t.Fatalf("unescaped reserved byte 0x%02X in stuffed output", b)
		}
	}

	got := ashUnstuff(stuffed)
	if len(got) != len(raw) {
		t.Fatalf("round trip length mismatch: got %d want %d", len(got), len(raw))
	}
	for i := range raw {
		if got[i] != raw[i] {
			t.Fatalf("round trip mismatch at %d: got 0x%02X want 0x%02X", i, got[i], raw[i])
		}
	}
}

func TestCrcCCITTStable(t *testing.T) {
	a := crcCCITT([]byte{0xC0})
	b := crcCCITT([]byte{0xC0})
	if a != b {
		t.Fatalf("crc not deterministic")
	}
	if a == crcCCITT([]byte{0xC1}) {
		t.Fatalf("different inputs produced the same crc")
	}
}

func TestAshSeqLessThan(t *testing.T) {
	if !ashSeqLessThan(0, 1) {
		t.Fatalf("expected 0 < 1")
	}
	if !ashSeqLessThan(7, 0) {
		t.Fatalf("expected wraparound 7 < 0")
	}
	if ashSeqLessThan(0, 0) {
		t.Fatalf("expected 0 not less than itself")
	}
}
