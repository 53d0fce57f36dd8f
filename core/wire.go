package core

// Wire-boundary codec (C1): the single source of truth for constructing the
// branded scalar values that cross the gateway's request/response boundary.
// Grounded on the teacher's AddressZero/Address pattern (core/address_zero.go)
// of opaque, constructor-gated value types.

import (
	"fmt"
	"strconv"
	"strings"
)

// maxCanonicalLen bounds the accepted digit-string length to avoid DoS on
// arbitrary-precision-style conversions, per spec §4.1.
const maxCanonicalLen = 30

// RoundingMode selects how a fractional remainder is resolved during a
// branded-value rate conversion.
type RoundingMode int

const (
	RoundCeil RoundingMode = iota
	RoundFloor
)

// MicroUSD is an opaque signed quantity of US dollars scaled by 1e6.
// Constructible only via ParseMicroUSD or the arithmetic helpers below.
type MicroUSD struct{ v int64 }

// CreditUnit is an opaque signed internal credit quantity.
type CreditUnit struct{ v int64 }

// MicroUSDC is an opaque signed quantity of USDC scaled by 1e6.
type MicroUSDC struct{ v int64 }

// BasisPoints is an integer in [0, 10000].
type BasisPoints struct{ v int32 }

// AccountId is a non-empty, whitespace-free account identifier.
type AccountId struct{ s string }

// PoolId is a canonical, closed-set pool identifier (see pools.go).
type PoolId struct{ s string }

func (m MicroUSD) Int64() int64    { return m.v }
func (c CreditUnit) Int64() int64  { return c.v }
func (m MicroUSDC) Int64() int64   { return m.v }
func (b BasisPoints) Int32() int32 { return b.v }
func (a AccountId) String() string { return a.s }
func (p PoolId) String() string    { return p.s }

// canonicalIntPattern is the accepted wire form: no leading zeros, no plus
// sign, optional single leading minus, "-0" never appears post-normalization.
func validateCanonicalDigits(s string) error {
	if s == "" {
		return fmt.Errorf("empty numeric string")
	}
	if len(s) > maxCanonicalLen {
		return fmt.Errorf("numeric string exceeds max length %d", maxCanonicalLen)
	}
	if strings.HasPrefix(s, "+") {
		return fmt.Errorf("plus prefix not permitted")
	}
	body := s
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		body = s[1:]
	}
	if body == "" {
		return fmt.Errorf("bare minus sign")
	}
	for _, r := range body {
		if r < '0' || r > '9' {
			return fmt.Errorf("non-digit character %q", r)
		}
	}
	if len(body) > 1 && body[0] == '0' {
		return fmt.Errorf("non-canonical leading zero")
	}
	if neg && body == "0" {
		return fmt.Errorf("-0 is not canonical")
	}
	return nil
}

func parseCanonicalInt64(s string) (int64, error) {
	if err := validateCanonicalDigits(s); err != nil {
		return 0, NewGatewayError(CodeWireBoundaryViolation, err.Error())
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, NewGatewayError(CodeWireBoundaryViolation, "integer overflow")
	}
	return n, nil
}

// ParseMicroUSD implements the strict parser of spec §4.1.
func ParseMicroUSD(s string) (MicroUSD, error) {
	n, err := parseCanonicalInt64(s)
	if err != nil {
		return MicroUSD{}, err
	}
	return MicroUSD{v: n}, nil
}

// SerializeMicroUSD is the inverse of ParseMicroUSD; round-trips per P1.
func SerializeMicroUSD(m MicroUSD) string { return strconv.FormatInt(m.v, 10) }

// ParseCreditUnit/SerializeCreditUnit mirror MicroUSD for the CreditUnit brand.
func ParseCreditUnit(s string) (CreditUnit, error) {
	n, err := parseCanonicalInt64(s)
	if err != nil {
		return CreditUnit{}, err
	}
	return CreditUnit{v: n}, nil
}

func SerializeCreditUnit(c CreditUnit) string { return strconv.FormatInt(c.v, 10) }

// ParseMicroUSDC/SerializeMicroUSDC mirror MicroUSD for the MicroUSDC brand.
func ParseMicroUSDC(s string) (MicroUSDC, error) {
	n, err := parseCanonicalInt64(s)
	if err != nil {
		return MicroUSDC{}, err
	}
	return MicroUSDC{v: n}, nil
}

func SerializeMicroUSDC(m MicroUSDC) string { return strconv.FormatInt(m.v, 10) }

// ParseBasisPoints rejects values outside [0, 10000].
func ParseBasisPoints(s string) (BasisPoints, error) {
	n, err := parseCanonicalInt64(s)
	if err != nil {
		return BasisPoints{}, err
	}
	if n < 0 || n > 10000 {
		return BasisPoints{}, NewGatewayError(CodeWireBoundaryViolation, "basis points out of range")
	}
	return BasisPoints{v: int32(n)}, nil
}

func SerializeBasisPoints(b BasisPoints) string { return strconv.FormatInt(int64(b.v), 10) }

// ParseAccountId rejects empty or whitespace-containing identifiers.
func ParseAccountId(s string) (AccountId, error) {
	if s == "" {
		return AccountId{}, NewGatewayError(CodeWireBoundaryViolation, "empty account id")
	}
	if strings.ContainsAny(s, " \t\n\r") {
		return AccountId{}, NewGatewayError(CodeWireBoundaryViolation, "account id contains whitespace")
	}
	return AccountId{s: s}, nil
}

// ParsePoolId defers closed-set membership checking to pools.go's
// isValidPoolId so this codec stays a pure syntactic layer.
func ParsePoolId(s string) (PoolId, error) {
	if s == "" {
		return PoolId{}, NewGatewayError(CodeWireBoundaryViolation, "empty pool id")
	}
	return PoolId{s: s}, nil
}

// LenientParseResult carries the normalized flag required by spec §4.1 so
// persistence read-paths can emit a metric when normalization occurred.
type LenientParseResult struct {
	Value      MicroUSD
	Normalized bool
}

// ParseMicroUSDLenient is for persistence read-paths only: strict parse
// first, else trim whitespace, strip a single leading plus, bounds-check,
// then convert.
func ParseMicroUSDLenient(s string) (LenientParseResult, error) {
	if v, err := ParseMicroUSD(s); err == nil {
		return LenientParseResult{Value: v, Normalized: false}, nil
	}
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "+")
	if trimmed == "" {
		return LenientParseResult{}, NewGatewayError(CodeWireBoundaryViolation, "empty numeric string")
	}
	if len(trimmed) > maxCanonicalLen {
		return LenientParseResult{}, NewGatewayError(CodeWireBoundaryViolation, "numeric string exceeds max length")
	}
	neg := strings.HasPrefix(trimmed, "-")
	digits := strings.TrimPrefix(trimmed, "-")
	if digits == "" {
		return LenientParseResult{}, NewGatewayError(CodeWireBoundaryViolation, "bare minus sign")
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return LenientParseResult{}, NewGatewayError(CodeWireBoundaryViolation, "non-digit character")
		}
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		if neg {
			var u uint64
			if u, err = strconv.ParseUint(digits, 10, 64); err != nil {
				return LenientParseResult{}, NewGatewayError(CodeWireBoundaryViolation, "integer overflow")
			}
			n = -int64(u)
		} else {
			return LenientParseResult{}, NewGatewayError(CodeWireBoundaryViolation, "integer overflow")
		}
	}
	if n == 0 {
		neg = false
	}
	return LenientParseResult{Value: MicroUSD{v: n}, Normalized: true}, nil
}

// assertCanonicalFormat panics if v does not round-trip through the strict
// codec; called at persistence write boundaries per spec §4.1.
func assertCanonicalFormat(v MicroUSD) {
	s := SerializeMicroUSD(v)
	if _, err := ParseMicroUSD(s); err != nil {
		panic(fmt.Sprintf("wire codec: non-canonical MicroUSD escaped to persistence: %v", v.v))
	}
}

// AssertCanonicalFormat is the exported form of assertCanonicalFormat for
// callers outside this package (e.g. the budget ledger writer).
func AssertCanonicalFormat(v MicroUSD) { assertCanonicalFormat(v) }

// AddMicroUSD/SubMicroUSD/NegMicroUSD are brand-preserving arithmetic
// helpers; spec §4.1 requires the codec to expose these rather than letting
// callers touch the underlying int64 directly.
func AddMicroUSD(a, b MicroUSD) MicroUSD { return MicroUSD{v: a.v + b.v} }
func SubMicroUSD(a, b MicroUSD) MicroUSD { return MicroUSD{v: a.v - b.v} }
func NegMicroUSD(a MicroUSD) MicroUSD    { return MicroUSD{v: -a.v} }
func IsZeroMicroUSD(a MicroUSD) bool     { return a.v == 0 }

func ceilDiv(num, den int64) int64 {
	if num == 0 {
		return 0
	}
	neg := (num < 0) != (den < 0)
	if neg {
		return -(absInt64(num) / absInt64(den))
	}
	// positive/positive ceiling division
	an, ad := absInt64(num), absInt64(den)
	return (an + ad - 1) / ad
}

func floorDiv(num, den int64) int64 {
	neg := (num < 0) != (den < 0)
	an, ad := absInt64(num), absInt64(den)
	if neg {
		if an%ad == 0 {
			return -(an / ad)
		}
		return -(an/ad + 1)
	}
	return an / ad
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// MicroUSDToCreditUnits converts MicroUSD to CreditUnit using the supplied
// rate (credit units minted per USD) per spec §4.1:
//
//	result = microUSD * creditUnitsPerUsd / 1_000_000
//
// with explicit rounding; for negative values under RoundCeil,
// result = -floor(|product| / divisor).
func MicroUSDToCreditUnits(m MicroUSD, creditUnitsPerUsd int64, mode RoundingMode) CreditUnit {
	product := m.v * creditUnitsPerUsd
	const divisor = 1_000_000
	switch mode {
	case RoundCeil:
		return CreditUnit{v: ceilDiv(product, divisor)}
	default:
		return CreditUnit{v: floorDiv(product, divisor)}
	}
}
