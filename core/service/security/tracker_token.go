package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GraphChangeTrackingAppID is the application id Microsoft Graph signs
// change notification validation tokens with.
const GraphChangeTrackingAppID = "0bf30f3b-4a52-48df-9a82-234910c4a086"

var ErrPartnerMismatch = errors.New("token was not issued for the webhook partner")

// KeySetSource provides the signing keys for validation tokens.
type KeySetSource interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

// StaticKeySet serves a fixed key set.
type StaticKeySet struct {
	set jwk.Set
}

func NewStaticKeySet(set jwk.Set) *StaticKeySet {
	return &StaticKeySet{set: set}
}

func (s *StaticKeySet) KeySet(context.Context) (jwk.Set, error) {
	return s.set, nil
}

// CachedKeySet serves a remote JWKS refreshed in the background.
type CachedKeySet struct {
	cache *jwk.Cache
	url   string
}

// NewCachedKeySet registers url with a refreshing cache and warms it. A nil
// client uses http.DefaultClient.
func NewCachedKeySet(ctx context.Context, url string, refresh time.Duration, client *http.Client) (*CachedKeySet, error) {
	if client == nil {
		client = http.DefaultClient
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(refresh), jwk.WithHTTPClient(client)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}

	warm, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warm, url); err != nil {
		return nil, fmt.Errorf("initial jwks fetch: %w", err)
	}
	return &CachedKeySet{cache: cache, url: url}, nil
}

func (c *CachedKeySet) KeySet(ctx context.Context) (jwk.Set, error) {
	return c.cache.Get(ctx, c.url)
}

// TokenVerifier checks the signed validation tokens attached to rich
// notifications.
type TokenVerifier struct {
	keys      KeySetSource
	partnerID string
	audience  string
	skew      time.Duration
	now       func() time.Time
}

func NewTokenVerifier(keys KeySetSource, partnerID, audience string) *TokenVerifier {
	if partnerID == "" {
		partnerID = GraphChangeTrackingAppID
	}
	return &TokenVerifier{
		keys:      keys,
		partnerID: partnerID,
		audience:  audience,
		skew:      30 * time.Second,
		now:       time.Now,
	}
}

// Verify checks signature, expiry, audience and the authorized party.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) error {
	set, err := v.keys.KeySet(ctx)
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}

	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithAudience(v.audience),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	partner := claimString(tok, "azp")
	if partner == "" {
		partner = claimString(tok, "appid")
	}
	if partner != v.partnerID {
		return fmt.Errorf("%w: %q", ErrPartnerMismatch, partner)
	}
	return nil
}

func claimString(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
