package core

// JWTVerifier is a concrete RequestVerifier built on golang-jwt/jwt/v4,
// decoding the signed tenant claim set named in spec §3.3 / §6. The spec
// treats "the authenticated-request JWT verifier" as out of scope beyond
// this contract, so signature validation is HMAC-only and keyed by a single
// shared secret; a production deployment would swap in JWKS-backed RS256.

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

type jwtClaims struct {
	jwt.RegisteredClaims
	TenantId         string            `json:"tenant_id"`
	Tier             string            `json:"tier"`
	NFTId            string            `json:"nft_id,omitempty"`
	PoolId           string            `json:"pool_id,omitempty"`
	AllowedPools     []string          `json:"allowed_pools,omitempty"`
	ModelPreferences map[string]string `json:"model_preferences,omitempty"`
	BYOK             bool              `json:"byok,omitempty"`
	RequestHash      string            `json:"req_hash,omitempty"`
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates token, returning the decoded Claims. Any
// failure (bad signature, expired, malformed) surfaces as a GatewayError
// the HTTP entrypoint maps to 401.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, NewGatewayError(CodeUnauthenticated, "invalid or expired tenant token")
	}
	jc, ok := parsed.Claims.(*jwtClaims)
	if !ok {
		return Claims{}, NewGatewayError(CodeUnauthenticated, "unexpected claims shape")
	}

	claims := Claims{
		Issuer:           jc.Issuer,
		Subject:          jc.Subject,
		TenantId:         jc.TenantId,
		Tier:             Tier(jc.Tier),
		NFTId:            jc.NFTId,
		PoolId:           jc.PoolId,
		AllowedPools:     jc.AllowedPools,
		ModelPreferences: jc.ModelPreferences,
		BYOK:             jc.BYOK,
		RequestHash:      jc.RequestHash,
	}
	if len(jc.Audience) > 0 {
		claims.Audience = jc.Audience[0]
	}
	if jc.IssuedAt != nil {
		claims.IssuedAt = jc.IssuedAt.Unix()
	}
	if jc.ExpiresAt != nil {
		claims.ExpiresAt = jc.ExpiresAt.Unix()
	}
	return claims, nil
}

// BuildTenantContext runs enforcePoolClaims and assembles the immutable
// TenantContext the router consumes, per the dataflow named in spec §3.2.
func BuildTenantContext(claims Claims, cfg EnforcementConfig) (TenantContext, error) {
	res := enforcePoolClaims(claims, cfg)
	if res.Err != nil {
		return TenantContext{}, res.Err
	}
	return TenantContext{
		Claims:        claims,
		ResolvedPools: res.ResolvedPools,
		RequestedPool: res.RequestedPool,
		IsNFTRouted:   claims.NFTId != "" && len(claims.ModelPreferences) > 0,
		IsBYOK:        claims.BYOK,
	}, nil
}
