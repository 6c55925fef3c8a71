package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errMalformedClaims = errors.New("credential claims incomplete")

// parseVerified checks signature, issuer and expiry. The returned code is
// empty on success.
func parseVerified(token string, keys jwt.Keyfunc, now time.Time) (*Claims, VerificationCode, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, keys)
	if err != nil {
		return nil, classify(err), err
	}
	if err := checkShape(parsed, claims); err != nil {
		return nil, CodeMalformed, err
	}
	return claims, "", nil
}

// parseSigned checks the signature and issuer only. Used by refresh,
// which accepts tokens shortly past expiry.
func parseSigned(token string, keys jwt.Keyfunc) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, keys)
	if err != nil {
		return nil, err
	}
	if claims.Issuer != Issuer {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", errMalformedClaims)
	}
	if err := checkShape(parsed, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func checkShape(parsed *jwt.Token, claims *Claims) error {
	if typ, _ := parsed.Header["typ"].(string); typ != TokenType {
		return fmt.Errorf("%w: typ %q", errMalformedClaims, typ)
	}
	if claims.Subject == "" || claims.ID == "" {
		return fmt.Errorf("%w: missing sub or jti", errMalformedClaims)
	}
	return nil
}

func classify(err error) VerificationCode {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return CodeInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return CodeExpired
	default:
		return CodeMalformed
	}
}

var codeMessages = map[VerificationCode]string{
	CodeMalformed:             "Malformed credential",
	CodeInvalidSignature:      "Invalid signature",
	CodeExpired:               "Credential has expired",
	CodeRevoked:               "Credential has been revoked",
	CodeRevocationUnavailable: "Revocation status could not be confirmed",
	CodeTrustScoreIneligible:  "Agent no longer meets minimum trust score requirement",
	CodeTrustScoreUnavailable: "Current trust score could not be confirmed",
}

func failed(code VerificationCode, warnings []string) *VerificationResult {
	return &VerificationResult{
		Valid:    false,
		Code:     code,
		Error:    codeMessages[code],
		Warnings: warnings,
	}
}

func succeeded(claims *Claims, now time.Time, warnings []string) *VerificationResult {
	return &VerificationResult{
		Valid:              true,
		AgentID:            claims.Subject,
		TrustScore:         claims.Trust.Score,
		TrustTier:          claims.Trust.Tier,
		ExpiresIn:          int64(claims.ExpiresAt.Sub(now) / time.Second),
		TruthChainVerified: claims.Provenance.TruthChainHash != "",
		Warnings:           warnings,
		Claims:             claims,
	}
}
