package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
)

// JWKSOptions controls how a remote key set is fetched and kept fresh.
type JWKSOptions struct {
	RefreshInterval time.Duration
	HTTPTimeout     time.Duration
	Client          *http.Client
	// OnRefreshError is called when a background refresh fails; the last good
	// key set stays in use.
	OnRefreshError func(err error)
}

func (o JWKSOptions) withDefaults() JWKSOptions {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Hour
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 10 * time.Second
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	return o
}

// NewJWKSKeyfunc loads the key set at jwksURL and refreshes it in the
// background until ctx is done, so rotated signing keys are picked up. The
// first fetch must succeed.
func NewJWKSKeyfunc(ctx context.Context, jwksURL string, opts JWKSOptions) (keyfunc.Keyfunc, error) {
	opts = opts.withDefaults()
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:          opts.Client,
		Ctx:             ctx,
		HTTPTimeout:     opts.HTTPTimeout,
		RefreshInterval: opts.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			if opts.OnRefreshError != nil {
				opts.OnRefreshError(err)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{
		Ctx:          ctx,
		Storage:      storage,
		UseWhitelist: []jwkset.USE{jwkset.UseSig},
	})
	if err != nil {
		return nil, fmt.Errorf("build JWKS keyfunc: %w", err)
	}
	return kf, nil
}

// NewJWKSValidator validates tokens against the remote key set at jwksURL.
func NewJWKSValidator(ctx context.Context, jwksURL, issuer, audience string, opts JWKSOptions) (*JWTValidator, error) {
	kf, err := NewJWKSKeyfunc(ctx, jwksURL, opts)
	if err != nil {
		return nil, err
	}
	return NewJWTValidatorWithKeyfunc(kf.Keyfunc, issuer, audience), nil
}

// PublicJWKS renders the public halves of keys, indexed by kid, as a JWK Set
// document for RS256 signature verification.
func PublicJWKS(ctx context.Context, keys map[string]*rsa.PublicKey) (json.RawMessage, error) {
	store := jwkset.NewMemoryStorage()
	for kid, pub := range keys {
		jwk, err := jwkset.NewJWKFromKey(pub, jwkset.JWKOptions{
			Metadata: jwkset.JWKMetadataOptions{
				ALG: jwkset.AlgRS256,
				KID: kid,
				USE: jwkset.UseSig,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("encode JWK %s: %w", kid, err)
		}
		if err := store.KeyWrite(ctx, jwk); err != nil {
			return nil, fmt.Errorf("store JWK %s: %w", kid, err)
		}
	}
	return store.JSONPublic(ctx)
}
