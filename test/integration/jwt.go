package integration

import (
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Extra     map[string]any
}

// OpsClaims returns TestClaims for a sales-operations user.
func OpsClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-ops",
		Email:     "ops@seqora.example",
	}
}

// ApproverClaims returns TestClaims for a deal-desk approver.
func ApproverClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-approver",
		Email:     "approver@seqora.example",
	}
}

// tokenIssuer signs HS256 tokens the way the gateway in front of the engine
// does, sharing a secret with the server under test.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer() *tokenIssuer {
	return &tokenIssuer{
		secret:   []byte("integration-test-secret"),
		issuer:   "https://auth.test.seqora.dev",
		audience: "cadence-test",
	}
}

func (ti *tokenIssuer) claimsFor(claims TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mapClaims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   claims.SubjectID,
		"email": claims.Email,
	}
	maps.Copy(mapClaims, claims.Extra)
	return mapClaims
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ti.claimsFor(claims, now, now.Add(time.Hour)))
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ti.claimsFor(claims, now.Add(-2*time.Hour), now.Add(-time.Hour)))
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateForgedToken creates a JWT signed with a secret the server does not
// share.
func (ti *tokenIssuer) GenerateForgedToken(claims TestClaims) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ti.claimsFor(claims, now, now.Add(time.Hour)))
	signed, err := token.SignedString([]byte("some-other-secret"))
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
