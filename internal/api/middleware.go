/**
 * @description
 * Authentication middleware. Requests carry an identity-provider JWT either in
 * the Authorization header or, for websocket upgrades, in the `token` query
 * parameter. The token subject is resolved to the internal user id.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and claim validation.
 *
 * @notes
 * - RS256 tokens are verified against the Clerk JWKS; keys are cached per kid.
 * - HS256 tokens are accepted only when JWT_SIGNING_SECRET is configured.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const userIDKey UserIDContextKey = "userID"

const jwksCacheTTL = 10 * time.Minute

// AuthConfig describes how tokens are verified.
type AuthConfig struct {
	JWKSURL       string
	Audience      string
	Issuer        string
	SigningSecret string
}

// UserResolver maps an identity-provider subject to an internal user id.
type UserResolver interface {
	ResolveUserID(ctx context.Context, externalID string) (uuid.UUID, error)
}

// AuthMiddleware validates the bearer token and stores the caller's internal
// user id in the request context.
func AuthMiddleware(cfg AuthConfig, resolver UserResolver) func(http.Handler) http.Handler {
	keys := newJWKSCache(cfg.JWKSURL)

	var opts []jwt.ParserOption
	opts = append(opts, jwt.WithValidMethods([]string{"RS256", "HS256"}))
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA:
			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, fmt.Errorf("kid not found in token header")
			}
			return keys.get(kid)
		case *jwt.SigningMethodHMAC:
			if cfg.SigningSecret == "" {
				return nil, fmt.Errorf("HS256 tokens are not accepted")
			}
			return []byte(cfg.SigningSecret), nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
			if err != nil || !token.Valid {
				log.Printf("level=info component=auth msg=\"token rejected\" err=%v", err)
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "user ID not found in token")
				return
			}

			userID, err := resolver.ResolveUserID(r.Context(), subject)
			if err != nil {
				log.Printf("level=warn component=auth msg=\"user resolution failed\" subject=%s err=%v", subject, err)
				writeError(w, http.StatusUnauthorized, "unauthorized", "user not found")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID retrieves the authenticated internal user id from the request context.
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

func bearerToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
			return "", errors.New("invalid Authorization header format")
		}
		return strings.TrimSpace(tokenString), nil
	}
	// Browsers cannot set headers on a websocket upgrade.
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", errors.New("authorization header required")
}

type jwksCache struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// get returns the key for kid, refreshing the set when it is stale or the kid
// is unknown (key rotation).
func (c *jwksCache) get(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < jwksCacheTTL {
		return key, nil
	}
	if c.url == "" {
		return nil, fmt.Errorf("no JWKS URL configured")
	}
	if err := c.refreshLocked(); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *jwksCache) refreshLocked() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			log.Printf("level=warn component=auth msg=\"skipping malformed jwk\" kid=%s err=%v", key.Kid, err)
			continue
		}
		keys[key.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

// parseRSAPublicKey parses an RSA public key from its base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}
