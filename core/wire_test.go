package core

import (
	"strings"
	"testing"
)

func TestParseMicroUSDRoundTrip(t *testing.T) {
	// P1: for any v accepted by ParseMicroUSD, serialize(parse(v)) == v.
	cases := []string{"0", "1", "-1", "123456789", "-123456789"}
	for _, c := range cases {
		v, err := ParseMicroUSD(c)
		if err != nil {
			t.Fatalf("ParseMicroUSD(%q): %v", c, err)
		}
		if got := SerializeMicroUSD(v); got != c {
			t.Fatalf("round trip mismatch: got %q want %q", got, c)
		}
	}
}

func TestParseMicroUSDRejections(t *testing.T) {
	cases := []string{"-0", "007", "", "+1", strings.Repeat("9", 40), "1.5", "abc", "- 1"}
	for _, c := range cases {
		if _, err := ParseMicroUSD(c); err == nil {
			t.Fatalf("expected rejection for %q", c)
		}
	}
}

func TestParseMicroUSDLenientNormalizes(t *testing.T) {
	r, err := ParseMicroUSDLenient("  +42 ")
	if err != nil {
		t.Fatalf("lenient parse: %v", err)
	}
	if !r.Normalized {
		t.Fatalf("expected normalized flag set")
	}
	if r.Value.Int64() != 42 {
		t.Fatalf("expected 42, got %d", r.Value.Int64())
	}

	strict, err := ParseMicroUSDLenient("42")
	if err != nil {
		t.Fatalf("lenient parse of strict value: %v", err)
	}
	if strict.Normalized {
		t.Fatalf("expected strict input to not be flagged normalized")
	}
}

func TestParseBasisPointsRange(t *testing.T) {
	if _, err := ParseBasisPoints("10001"); err == nil {
		t.Fatalf("expected rejection above 10000")
	}
	bp, err := ParseBasisPoints("10000")
	if err != nil || bp.Int32() != 10000 {
		t.Fatalf("expected 10000 accepted, got %v err %v", bp, err)
	}
}

func TestMicroUSDToCreditUnitsRounding(t *testing.T) {
	usd, _ := ParseMicroUSD("3")
	// 3 * 1 / 1_000_000 floors to 0, ceils to 1.
	if got := MicroUSDToCreditUnits(usd, 1, RoundFloor); got.Int64() != 0 {
		t.Fatalf("floor: expected 0, got %d", got.Int64())
	}
	if got := MicroUSDToCreditUnits(usd, 1, RoundCeil); got.Int64() != 1 {
		t.Fatalf("ceil: expected 1, got %d", got.Int64())
	}

	neg, _ := ParseMicroUSD("-3")
	if got := MicroUSDToCreditUnits(neg, 1, RoundCeil); got.Int64() != 0 {
		t.Fatalf("negative ceil: expected 0 (-floor(3/1e6)), got %d", got.Int64())
	}
}

func TestAccountIdRejectsWhitespace(t *testing.T) {
	if _, err := ParseAccountId("has space"); err == nil {
		t.Fatalf("expected rejection of whitespace account id")
	}
	if _, err := ParseAccountId(""); err == nil {
		t.Fatalf("expected rejection of empty account id")
	}
	if _, err := ParseAccountId("acct-1"); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestAssertCanonicalFormatPanicsNever(t *testing.T) {
	v, _ := ParseMicroUSD("100")
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()
	AssertCanonicalFormat(v)
}
