package core

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signTestToken(t *testing.T, secret []byte, claims jwtClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func TestJWTVerifierRoundTripsClaims(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "gateway",
			Audience:  jwt.ClaimStrings{"gateway-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantId: "tenant-1",
		Tier:     "pro",
		PoolId:   "cheap",
	}
	token := signTestToken(t, secret, claims)

	v := NewJWTVerifier(secret)
	got, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.TenantId != "tenant-1" || got.Tier != TierPro || got.PoolId != "cheap" {
		t.Fatalf("unexpected decoded claims: %+v", got)
	}
}

func TestJWTVerifierRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
		TenantId:         "tenant-1",
		Tier:             "pro",
	}
	token := signTestToken(t, secret, claims)

	v := NewJWTVerifier(secret)
	_, err := v.Verify(context.Background(), token)
	if err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
	gwErr, ok := AsGatewayError(err)
	if !ok || gwErr.Code() != CodeUnauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
	if gwErr.HTTPStatus() != 401 {
		t.Fatalf("expected HTTP 401 for an expired token, got %d", gwErr.HTTPStatus())
	}
}

func TestJWTVerifierRejectsWrongSecret(t *testing.T) {
	claims := jwtClaims{TenantId: "tenant-1", Tier: "pro"}
	token := signTestToken(t, []byte("secret-a"), claims)

	v := NewJWTVerifier([]byte("secret-b"))
	_, err := v.Verify(context.Background(), token)
	if err == nil {
		t.Fatalf("expected signature mismatch to be rejected")
	}
	gwErr, ok := AsGatewayError(err)
	if !ok || gwErr.Code() != CodeUnauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
}

func TestBuildTenantContextPropagatesEnforcementFailure(t *testing.T) {
	claims := Claims{Tier: TierFree, PoolId: "architect"}
	_, err := BuildTenantContext(claims, EnforcementConfig{})
	gwErr, ok := AsGatewayError(err)
	if !ok || gwErr.Code() != CodePoolAccessDenied {
		t.Fatalf("expected POOL_ACCESS_DENIED, got %v", err)
	}
}

func TestBuildTenantContextMarksNFTRouted(t *testing.T) {
	claims := Claims{Tier: TierPro, NFTId: "nft-1", ModelPreferences: map[string]string{"chat": "cheap"}}
	ctx, err := BuildTenantContext(claims, EnforcementConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ctx.IsNFTRouted {
		t.Fatalf("expected IsNFTRouted true when nft_id and model_preferences are both present")
	}
}
