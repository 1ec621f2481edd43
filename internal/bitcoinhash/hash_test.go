package bitcoinhash

import (
	"math/big"
	"testing"
)

func TestSha256D(t *testing.T) {
	got := Sha256D([]byte("hello"))
	want := "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50"
	if hexString(got) != want {
		t.Errorf("Sha256D(\"hello\") = %s, want %s", hexString(got), want)
	}
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}

func TestLE256RoundTrip(t *testing.T) {
	hash := make([]byte, 32)
	hash[0] = 0x01 // lowest-order byte in little-endian interpretation
	n := LE256(hash)
	if n.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("LE256 = %s, want 1", n)
	}
}

func TestCompactToTargetKnownValues(t *testing.T) {
	target := CompactToTarget(0x1d00ffff)
	if target.Text(16) != "ffff0000000000000000000000000000000000000000000000000000" {
		t.Errorf("CompactToTarget(0x1d00ffff) = %s", target.Text(16))
	}
}

func TestCompactRoundTrip(t *testing.T) {
	for _, compact := range []uint32{0x1d00ffff, 0x1b0404cb, 0x207fffff} {
		target := CompactToTarget(compact)
		got := TargetToCompact(target)
		if got != compact {
			t.Errorf("round trip 0x%08x -> %s -> 0x%08x", compact, target.Text(16), got)
		}
	}
}

func TestDifficultyMonotonicity(t *testing.T) {
	// P3: difficulty_from_hash is monotone non-increasing in le256(hash).
	small := make([]byte, 32)
	small[31] = 0x01
	large := make([]byte, 32)
	large[0] = 0x01
	dSmall := DifficultyFromHash(ReverseForTest(small))
	dLarge := DifficultyFromHash(ReverseForTest(large))
	if dSmall <= dLarge {
		t.Errorf("expected difficulty to decrease as le256(hash) grows: dSmall=%v dLarge=%v", dSmall, dLarge)
	}
}

// ReverseForTest flips a big-endian byte pattern (most significant byte
// first) into the little-endian natural byte order DifficultyFromHash reads,
// the order a real block hash has as Sha256D output.
func ReverseForTest(leSignificant []byte) []byte {
	out := make([]byte, len(leSignificant))
	for i := range leSignificant {
		out[i] = leSignificant[len(leSignificant)-1-i]
	}
	return out
}

func TestHashMeetsTarget(t *testing.T) {
	target := CompactToTarget(0x1d00ffff)
	zero := make([]byte, 32)
	if !HashMeetsTarget(zero, target) {
		t.Error("zero hash should meet any positive target")
	}
	max := make([]byte, 32)
	for i := range max {
		max[i] = 0xff
	}
	if HashMeetsTarget(max, target) {
		t.Error("max hash should not meet target")
	}
}
