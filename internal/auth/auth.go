// Package auth verifies client credentials and gates scene access. Token
// issuance and the role system live upstream; this package only consumes
// their artifacts through narrow interfaces.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"sceneforge.dev/internal/protocol"
)

// Identity is the verified subject of a request.
type Identity struct {
	UserID      string
	DisplayName string
}

type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

type AccessChecker interface {
	UserHasSceneAccess(ctx context.Context, userID, sceneID, httpMethod string) (bool, error)
}

// HMACVerifier validates HS256 bearer tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, protocol.Errf(protocol.ErrAuth, "missing token")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, protocol.Errf(protocol.ErrAuth, "unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, protocol.Errf(protocol.ErrAuth, "invalid or expired token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, protocol.Errf(protocol.ErrAuth, "malformed claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, protocol.Errf(protocol.ErrAuth, "token has no subject")
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}
	return Identity{UserID: sub, DisplayName: name}, nil
}

// AllowAll grants every verified user access to every scene. Single-tenant
// deployments run with this; multi-tenant ones plug in the project service's
// checker.
type AllowAll struct{}

func (AllowAll) UserHasSceneAccess(context.Context, string, string, string) (bool, error) {
	return true, nil
}

// TokenFromRequest pulls the bearer token from the Authorization header,
// falling back to the token query parameter for socket and stream connects
// where headers are awkward for browser clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	return r.URL.Query().Get("token")
}
