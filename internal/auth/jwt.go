package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	// HMAC-SHA256 signature: 32 bytes, 43 chars as base64url without padding.
	hmacSHA256SigLen    = 32
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// JWTVerifier accepts HS256 tokens signed with a shared secret. The sub claim
// becomes the principal ID; an optional device claim scopes the token to one
// camera.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type jwtPayload struct {
	Sub    string `json:"sub"`
	Device string `json:"device"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
	Nbf    *int64 `json:"nbf"`
}

func (v JWTVerifier) Verify(token string) (Principal, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.Strict().DecodeString(headerB64)
	if err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	var header jwtHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return Principal{}, ErrUnsupportedJWT
	}

	gotSig, err := base64.RawURLEncoding.Strict().DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return Principal{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Principal{}, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.Strict().DecodeString(payloadB64)
	if err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	var payload jwtPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return Principal{}, ErrInvalidCredentials
	}

	if payload.Sub == "" {
		return Principal{}, ErrInvalidCredentials
	}
	now := v.now().Unix()
	if payload.Exp == 0 || now >= payload.Exp {
		return Principal{}, ErrInvalidCredentials
	}
	if payload.Nbf != nil && now < *payload.Nbf {
		return Principal{}, ErrInvalidCredentials
	}

	return Principal{ID: payload.Sub, DeviceID: payload.Device}, nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}
