package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// PublisherIDKey is the context key carrying the authenticated publisher identity
const PublisherIDKey contextKey = "publisher_id"

// Realm is advertised in the WWW-Authenticate header of rejected requests
const Realm = "publish"

// Claims are the JWT claims issued to publishers
type Claims struct {
	PublisherID string `json:"publisher_id"`
	jwt.RegisteredClaims
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWTValidator creates a new JWT validator from a PEM encoded RSA public key
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		// Try parsing as PKIX
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return NewJWTValidatorWithKey(publicKey, issuer, audience), nil
}

// NewJWTValidatorWithKey creates a validator around an already parsed key
func NewJWTValidatorWithKey(publicKey *rsa.PublicKey, issuer, audience string) *JWTValidator {
	return NewJWTValidatorWithKeyfunc(func(*jwt.Token) (any, error) {
		return publicKey, nil
	}, issuer, audience)
}

// NewJWTValidatorWithKeyfunc creates a validator that resolves the signing key
// per token, e.g. from a refreshed JWKS
func NewJWTValidatorWithKeyfunc(kf jwt.Keyfunc, issuer, audience string) *JWTValidator {
	return &JWTValidator{
		keyfunc:  kf,
		issuer:   issuer,
		audience: audience,
	}
}

// ValidateToken validates a JWT token and returns the publisher ID. The
// publisher_id claim wins; sub is accepted when it is absent.
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.keyfunc(token)
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	publisherID := claims.PublisherID
	if publisherID == "" {
		publisherID = claims.Subject
	}
	if publisherID == "" {
		return "", fmt.Errorf("missing or invalid publisher_id claim")
	}
	return publisherID, nil
}

// HTTPMiddleware returns an HTTP middleware that validates bearer tokens and
// stores the publisher ID in the request context. Health and metrics
// endpoints are left open.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Unauthorized(w, "missing Authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || tokenString == "" {
			Unauthorized(w, "invalid Authorization header format")
			return
		}

		publisherID, err := v.ValidateToken(tokenString)
		if err != nil {
			Unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPublisherID(r.Context(), publisherID)))
	})
}

// Unauthorized writes a 401 carrying the bearer challenge
func Unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", Realm))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WithPublisherID returns a copy of ctx carrying publisherID
func WithPublisherID(ctx context.Context, publisherID string) context.Context {
	return context.WithValue(ctx, PublisherIDKey, publisherID)
}

// GetPublisherIDFromContext extracts the publisher ID from context
func GetPublisherIDFromContext(ctx context.Context) (string, bool) {
	publisherID, ok := ctx.Value(PublisherIDKey).(string)
	return publisherID, ok && publisherID != ""
}
