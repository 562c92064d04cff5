package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jobfront/jobfront/core/userstore"
)

var (
	// ErrForbidden is returned when a caller may not touch a job.
	ErrForbidden = errors.New("can't access the job")

	// ErrUnauthenticated is returned for missing or invalid credentials.
	ErrUnauthenticated = errors.New("could not validate credentials")
)

// Identity is the authenticated principal of a request. A nil *Identity
// means the deployment runs in single-tenant mode and everything is allowed.
type Identity struct {
	ID       int64          `json:"id"`
	Username string         `json:"username"`
	Role     userstore.Role `json:"role"`
}

// CreateAccessToken signs a bearer token whose subject is the username.
func CreateAccessToken(subject, secret string, expireMinutes int) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expireMinutes) * time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies a bearer token and returns its subject.
func ParseAccessToken(raw, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrUnauthenticated
	}
	return claims.Subject, nil
}

// CanAccess decides read/mutate authorization for a job owner.
//
// A nil caller (single-tenant mode) and an unowned job are always
// authorized. Otherwise the caller must either be the owner or hold a role
// of equal-or-higher privilege; equal rank grants access regardless of
// identity, so admins see other admins' jobs but users never see upward.
func CanAccess(caller, owner *Identity) bool {
	if caller == nil {
		return true
	}
	if owner == nil {
		return true
	}
	if caller.Username == owner.Username {
		return true
	}
	return userstore.PriorityOver(caller.Role, owner.Role)
}

// OwnerFromAttr recovers a job owner identity from the reserved "user"
// attribute. The value is an Identity for live jobs and a JSON object for
// records loaded from the store.
func OwnerFromAttr(v any) *Identity {
	switch t := v.(type) {
	case Identity:
		return &t
	case *Identity:
		return t
	case map[string]any:
		owner := &Identity{}
		if username, ok := t["username"].(string); ok {
			owner.Username = username
		}
		if role, ok := t["role"].(string); ok {
			owner.Role = userstore.Role(role)
		}
		if id, ok := t["id"].(float64); ok {
			owner.ID = int64(id)
		}
		if owner.Username == "" {
			return nil
		}
		return owner
	default:
		return nil
	}
}
