package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_mail/internal/auth"
	"github.com/austindbirch/harbor_mail/internal/logging"
)

const (
	defaultKeyID = "harbormail-key-1"
	defaultTTL   = time.Hour
	maxTTL       = 24 * time.Hour
)

type server struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses JWT_PRIVATE_KEY (PKCS1 or PKCS8) or generates a fresh pair.
func loadKey(privateKeyPEM string) (*rsa.PrivateKey, bool, error) {
	if privateKeyPEM == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, false, fmt.Errorf("generate RSA key: %w", err)
		}
		return key, true, nil
	}

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return key, false, nil
}

// jwksHandler serves the JWKS endpoint
func (s *server) jwksHandler(w http.ResponseWriter, r *http.Request) {
	set, err := auth.PublicJWKS(r.Context(), map[string]*rsa.PublicKey{s.keyID: &s.key.PublicKey})
	if err != nil {
		http.Error(w, "Failed to encode JWKS", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300") // Cache for 5 minutes
	_, _ = w.Write(set)
}

type tokenRequest struct {
	PublisherID string `json:"publisher_id"`
	TTL         int    `json:"ttl_seconds,omitempty"` // Optional, defaults to 1 hour
}

// tokenHandler issues a signed publisher token
func (s *server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.PublisherID == "" {
		http.Error(w, "publisher_id is required", http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl > maxTTL {
		http.Error(w, "ttl_seconds exceeds 86400", http.StatusBadRequest)
		return
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
		PublisherID: req.PublisherID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   req.PublisherID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      signed,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.jwksHandler)
	mux.HandleFunc("POST /token", s.tokenHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	return mux
}

func main() {
	logger := logging.New("harbormail-jwks-server")

	key, generated, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key")
	}
	if generated {
		logger.Plain().Info("generated new RSA key pair for JWT signing")
	}

	s := &server{
		key:      key,
		keyID:    getEnv("JWT_KEY_ID", defaultKeyID),
		issuer:   getEnv("JWT_ISSUER", "harbormail"),
		audience: getEnv("JWT_AUDIENCE", "harbormail-api"),
		now:      time.Now,
	}

	port := getEnv("PORT", "8082")
	logger.Plain().WithFields(map[string]any{
		"port": port,
		"jwks": "http://localhost:" + port + "/.well-known/jwks.json",
	}).Info("JWKS server starting")

	if err := http.ListenAndServe(":"+port, s.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("server failed")
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
