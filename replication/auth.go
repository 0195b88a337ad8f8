package replication

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/types"
)

const (
	tokenAudience = "custody-replication"
	tokenKeyInfo  = "custody-replication-hs256"
	tokenTTL      = 5 * time.Minute
)

// Claims identifies the sending site
type Claims struct {
	SiteID string `json:"site_id"`
	jwt.RegisteredClaims
}

// Authenticator issues and checks the bearer tokens exchanged between sites.
// The HMAC key is derived from the shared secret, never the secret itself.
type Authenticator struct {
	nodeID string
	key    []byte
}

// NewAuthenticator derives the token key from the replication shared secret
func NewAuthenticator(nodeID string, sharedSecret []byte) (*Authenticator, error) {
	key, err := integrity.DeriveKey(sharedSecret, tokenKeyInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive replication key: %w", err)
	}
	return &Authenticator{nodeID: nodeID, key: key}, nil
}

// Token returns a short-lived bearer token for this node
func (a *Authenticator) Token() (string, error) {
	now := time.Now()
	claims := &Claims{
		SiteID: a.nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.nodeID,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// Validate checks a bearer token and returns its claims
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.key, nil
	}, jwt.WithAudience(tokenAudience), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errorsmod.Wrap(types.ErrUnauthorized, err.Error())
	}
	if !token.Valid || claims.SiteID == "" {
		return nil, errorsmod.Wrap(types.ErrUnauthorized, "invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, errorsmod.Wrap(types.ErrUnauthorized, "missing bearer token"))
			return
		}
		if _, err := a.Validate(tokenString); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
