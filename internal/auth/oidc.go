package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// DefaultOIDCIssuer is the GitHub Actions OIDC token issuer, used unless a
// registry operator configures a different one.
const DefaultOIDCIssuer = "https://token.actions.githubusercontent.com"

// OIDCClaims is the subset of a GitHub Actions OIDC ID token's claims the
// registry cares about.
type OIDCClaims struct {
	Issuer          string
	Subject         string
	Audience        string
	ExpiresAt       int64
	IssuedAt        int64
	Repository      string
	RepositoryOwner string
	Workflow        string
	Ref             string
	SHA             string
	Actor           string
	RunID           string
	RunNumber       string
	JobWorkflowRef  string
}

// DecodeJWTPayload decodes an ID token's claims without verifying its
// signature. Signature verification against GitHub's JWKS endpoint belongs
// to the deployment in front of this service; a production deployment must
// not rely on this decode alone.
func DecodeJWTPayload(token string) (jwt.MapClaims, error) {
	parser := jwt.Parser{}
	tok, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("auth: parsing OIDC token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("auth: could not extract claims (%T)", tok.Claims)
	}
	return claims, nil
}

func claimStr(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// ParseOIDCClaims converts raw JWT claims into OIDCClaims.
func ParseOIDCClaims(claims jwt.MapClaims) OIDCClaims {
	var exp, iat int64
	if v, ok := claims["exp"].(float64); ok {
		exp = int64(v)
	}
	if v, ok := claims["iat"].(float64); ok {
		iat = int64(v)
	}
	return OIDCClaims{
		Issuer:          claimStr(claims, "iss"),
		Subject:         claimStr(claims, "sub"),
		Audience:        claimStr(claims, "aud"),
		ExpiresAt:       exp,
		IssuedAt:        iat,
		Repository:      claimStr(claims, "repository"),
		RepositoryOwner: claimStr(claims, "repository_owner"),
		Workflow:        claimStr(claims, "workflow"),
		Ref:             claimStr(claims, "ref"),
		SHA:             claimStr(claims, "sha"),
		Actor:           claimStr(claims, "actor"),
		RunID:           claimStr(claims, "run_id"),
		RunNumber:       claimStr(claims, "run_number"),
		JobWorkflowRef:  claimStr(claims, "job_workflow_ref"),
	}
}

// VerifyOIDCToken checks the decoded claims' issuer, (optional) audience,
// and expiry. It does not verify the token's signature — see DecodeJWTPayload.
func VerifyOIDCToken(claims OIDCClaims, expectedIssuer, expectedAudience string, now time.Time) error {
	issuer := expectedIssuer
	if issuer == "" {
		issuer = DefaultOIDCIssuer
	}
	if claims.Issuer != issuer {
		return fmt.Errorf("auth: unexpected OIDC issuer %q", claims.Issuer)
	}
	if expectedAudience != "" && claims.Audience != expectedAudience {
		return fmt.Errorf("auth: unexpected OIDC audience %q", claims.Audience)
	}
	if claims.ExpiresAt != 0 && now.Unix() > claims.ExpiresAt {
		return fmt.Errorf("auth: OIDC token expired")
	}
	return nil
}

// ValidateOIDCToken extracts a Bearer OIDC token from an Authorization
// header, decodes and verifies it, and returns the trusted-publisher
// subject the verified claims describe. Authentication only: whether that
// subject may touch a given package is decided later against the package's
// Publisher rows (a package that does not exist yet is claimable by any
// authenticated subject). Requests carrying a prefixed API token are not
// OIDC tokens and are skipped (ok=false, err=nil) so the caller falls back
// to ValidateAPIToken.
func ValidateOIDCToken(authHeader, expectedIssuer, expectedAudience string, now time.Time) (AuthenticatedUser, bool, error) {
	raw, ok := ParseAuthorizationHeader(authHeader)
	if !ok || HasTokenPrefix(raw) {
		return AuthenticatedUser{}, false, nil
	}
	mapClaims, err := DecodeJWTPayload(raw)
	if err != nil {
		return AuthenticatedUser{}, false, err
	}
	claims := ParseOIDCClaims(mapClaims)
	if err := VerifyOIDCToken(claims, expectedIssuer, expectedAudience, now); err != nil {
		return AuthenticatedUser{}, false, err
	}
	if claims.Repository == "" {
		return AuthenticatedUser{}, false, fmt.Errorf("auth: OIDC token carries no repository claim")
	}
	return AuthenticatedUser{
		UserID:           "github:" + claims.Repository,
		AuthType:         "trusted_publisher",
		Scopes:           []string{"upload"},
		GithubRepository: claims.Repository,
		GithubWorkflow:   claims.Workflow,
		GithubCommit:     claims.SHA,
	}, true, nil
}
