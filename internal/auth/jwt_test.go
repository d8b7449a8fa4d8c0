package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const testSecret = "test-secret"

func signJWT(t *testing.T, secret string, header, payload map[string]any) string {
	t.Helper()
	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func frozenVerifier(secret string, at time.Time) JWTVerifier {
	v := NewJWTVerifier(secret)
	v.now = func() time.Time { return at }
	return v
}

func TestJWTVerifyValid(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := frozenVerifier(testSecret, now)

	token := signJWT(t, testSecret, map[string]any{"alg": "HS256", "typ": "JWT"}, map[string]any{
		"sub":    "viewer-1",
		"device": "cam-front",
		"iat":    now.Unix(),
		"exp":    now.Add(time.Hour).Unix(),
	})
	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.ID != "viewer-1" {
		t.Errorf("principal ID = %q, want viewer-1", p.ID)
	}
	if p.DeviceID != "cam-front" {
		t.Errorf("principal DeviceID = %q, want cam-front", p.DeviceID)
	}
}

func TestJWTVerifyUnscopedToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := frozenVerifier(testSecret, now)

	token := signJWT(t, testSecret, map[string]any{"alg": "HS256"}, map[string]any{
		"sub": "admin",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.DeviceID != "" {
		t.Errorf("DeviceID = %q, want empty for unscoped token", p.DeviceID)
	}
}

func TestJWTVerifyRejections(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := frozenVerifier(testSecret, now)
	future := now.Add(time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:    "empty token",
			token:   "",
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "not a jwt",
			token:   "garbage",
			wantErr: ErrInvalidCredentials,
		},
		{
			name: "wrong secret",
			token: signJWT(t, "other-secret", map[string]any{"alg": "HS256"},
				map[string]any{"sub": "x", "exp": future}),
			wantErr: ErrInvalidCredentials,
		},
		{
			name: "alg none",
			token: signJWT(t, testSecret, map[string]any{"alg": "none"},
				map[string]any{"sub": "x", "exp": future}),
			wantErr: ErrUnsupportedJWT,
		},
		{
			name: "rs256 rejected",
			token: signJWT(t, testSecret, map[string]any{"alg": "RS256"},
				map[string]any{"sub": "x", "exp": future}),
			wantErr: ErrUnsupportedJWT,
		},
		{
			name: "expired",
			token: signJWT(t, testSecret, map[string]any{"alg": "HS256"},
				map[string]any{"sub": "x", "exp": now.Add(-time.Minute).Unix()}),
			wantErr: ErrInvalidCredentials,
		},
		{
			name: "missing exp",
			token: signJWT(t, testSecret, map[string]any{"alg": "HS256"},
				map[string]any{"sub": "x"}),
			wantErr: ErrInvalidCredentials,
		},
		{
			name: "missing sub",
			token: signJWT(t, testSecret, map[string]any{"alg": "HS256"},
				map[string]any{"exp": future}),
			wantErr: ErrInvalidCredentials,
		},
		{
			name: "not yet valid",
			token: signJWT(t, testSecret, map[string]any{"alg": "HS256"},
				map[string]any{"sub": "x", "exp": future, "nbf": now.Add(time.Minute).Unix()}),
			wantErr: ErrInvalidCredentials,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestJWTVerifyTamperedPayload(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := frozenVerifier(testSecret, now)

	token := signJWT(t, testSecret, map[string]any{"alg": "HS256"}, map[string]any{
		"sub": "viewer-1",
		"exp": now.Add(time.Hour).Unix(),
	})
	forged, err := json.Marshal(map[string]any{"sub": "admin", "exp": now.Add(time.Hour).Unix()})
	if err != nil {
		t.Fatal(err)
	}
	parts := []byte(token)
	first := 0
	for i, c := range parts {
		if c == '.' {
			first = i
			break
		}
	}
	last := 0
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == '.' {
			last = i
			break
		}
	}
	tampered := string(parts[:first+1]) + base64.RawURLEncoding.EncodeToString(forged) + string(parts[last:])
	if _, err := v.Verify(tampered); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("tampered payload accepted: %v", err)
	}
}
