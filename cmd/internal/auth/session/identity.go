package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the decoded (unverified) access-token payload.
//
// It is display data only. The signature is never checked on the client.
type Identity struct {
	Subject   string
	ExpiresAt time.Time
	Claims    jwt.MapClaims
}

// Expired reports whether the token carried an exp claim that is in the past at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Claim returns a string claim, or "".
func (i Identity) Claim(name string) string {
	v, ok := i.Claims[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// subjectClaims are tried in order; the accounts backend issues user_id.
var subjectClaims = []string{"user_id", "sub", "id"}

var segmentParser = jwt.NewParser()

// DecodeIdentity decodes the payload segment of a JWT-shaped access token without verifying it.
// It reports false for a blank token, fewer than two segments, bad base64url, or a payload that is not exactly one JSON object.
func DecodeIdentity(raw string) (Identity, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, false
	}
	parts := strings.Split(raw, ".")
	if len(parts) < 2 || parts[1] == "" {
		return Identity{}, false
	}

	seg, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return Identity{}, false
	}

	claims := jwt.MapClaims{}
	dec := json.NewDecoder(bytes.NewReader(seg))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil || claims == nil {
		return Identity{}, false
	}
	// The segment must hold exactly one JSON value.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Identity{}, false
	}

	id := Identity{Claims: claims}
	for _, name := range subjectClaims {
		if s := id.Claim(name); s != "" {
			id.Subject = s
			break
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, true
}
