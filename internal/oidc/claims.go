package oidc

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// DecodeIdentityClaims parses the payload segment of a compact-serialized
// ID token without verifying its signature. The result is for display
// purposes only (subject, email, name) and is never a substitute for
// signature or claims verification.
//
// Returns InvalidTokenError on malformed input; callers treat that as
// "no display claims available", not as a sign-in failure.
func DecodeIdentityClaims(idToken string) (Claims, error) {
	if idToken == "" {
		return nil, &InvalidTokenError{Reason: "empty token"}
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(idToken, jwt.MapClaims{})
	if err != nil {
		return nil, &InvalidTokenError{Reason: "not a parseable JWT", Err: err}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &InvalidTokenError{Reason: "unexpected claims type", Err: errors.New("failed to extract claims")}
	}

	claims := make(Claims, len(mapClaims))
	for k, v := range mapClaims {
		claims[k] = v
	}

	return claims, nil
}
