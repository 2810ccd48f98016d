package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"cropdoc/pkg/domain"
	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	defaultAudience     = "authenticated"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
)

var (
	// ErrInvalidToken covers every verification failure.
	ErrInvalidToken = errors.New("invalid access token")
	errUnknownKey   = errors.New("unknown token key")
)

// Config configures access-token verification. At least one of JWKSURL
// (RS256) or Secret (HS256) is required. An empty Issuer is not checked.
type Config struct {
	JWKSURL    string
	Secret     string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Claims is the subset of identity-provider claims the service reads.
type Claims struct {
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
	AppMetadata struct {
		Role string `json:"role,omitempty"`
	} `json:"app_metadata,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates user access tokens locally.
type Verifier struct {
	issuer     string
	audience   string
	leeway     time.Duration
	secret     []byte
	jwksURL    string
	httpClient *http.Client
	refresh    singleflight.Group

	mu         sync.RWMutex
	rsaKeys    map[string]*rsa.PublicKey
	keysExpire time.Time
}

// NewVerifier creates a verifier; with a JWKS URL the key set is fetched
// eagerly so misconfiguration fails at startup.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	secret := strings.TrimSpace(cfg.Secret)
	if jwksURL == "" && secret == "" {
		return nil, errors.New("token verifier requires jwksURL or secret")
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	v := &Verifier{
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   audience,
		leeway:     leeway,
		jwksURL:    jwksURL,
		httpClient: cfg.HTTPClient,
	}
	if secret != "" {
		v.secret = []byte(secret)
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if jwksURL != "" {
		if err := v.refreshJWKS(ctx); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Authenticate verifies token and returns the caller identity.
func (v *Verifier) Authenticate(ctx context.Context, token string) (domain.User, error) {
	claims, err := v.verify(ctx, token)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.User{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	role := domain.RoleUser
	if strings.EqualFold(claims.AppMetadata.Role, string(domain.RoleAdmin)) {
		role = domain.RoleAdmin
	}
	return domain.User{ID: subject, Email: claims.Email, Role: role}, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := v.parse(token)
	if err == nil {
		return claims, nil
	}
	if v.jwksURL == "" || (!errors.Is(err, errUnknownKey) && !v.keysExpired()) {
		return nil, err
	}
	if refreshErr := v.refreshJWKS(ctx); refreshErr != nil {
		return nil, refreshErr
	}
	return v.parse(token)
}

func (v *Verifier) parse(token string) (*Claims, error) {
	methods := make([]string, 0, 2)
	if v.jwksURL != "" {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	if v.secret != nil {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyFor, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.secret == nil {
			return nil, errors.New("hmac tokens not accepted")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errUnknownKey
		}
		v.mu.RLock()
		key, ok := v.rsaKeys[kid]
		v.mu.RUnlock()
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().UTC().After(v.keysExpire)
}

// refreshJWKS collapses concurrent refreshes into one fetch.
func (v *Verifier) refreshJWKS(ctx context.Context) error {
	_, err, _ := v.refresh.Do("jwks", func() (any, error) {
		return nil, v.fetchJWKS(ctx)
	})
	return err
}

func (v *Verifier) fetchJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		kid := strings.TrimSpace(k.Kid)
		if !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") || kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = time.Now().UTC().Add(ttl)
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		raw, ok := strings.CutPrefix(part, "max-age=")
		if !ok {
			continue
		}
		secs, err := time.ParseDuration(strings.TrimSpace(raw) + "s")
		if err != nil {
			return 0
		}
		return secs
	}
	return 0
}
