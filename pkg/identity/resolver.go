package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	appapikey "github.com/renthub/apigate/pkg/app/apikey"
	"github.com/renthub/apigate/pkg/common"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoIdentity = errors.New("no identity could be resolved")
	ErrInvalidKey = errors.New("invalid api key")
)

// Claims are the bearer-token claims the gateway understands.
type Claims struct {
	Roles   []string `json:"roles"`
	OwnerID string   `json:"owner_id"`
	jwt.RegisteredClaims
}

// Resolver extracts the caller identity from a request. Precedence, first
// match wins: api-key header, bearer token, api-key query parameter, caller IP.
type Resolver struct {
	keyFinder     appapikey.Finder
	jwtSecret     []byte
	anonymousRole string
	logger        *logrus.Logger
}

func NewResolver(keyFinder appapikey.Finder, jwtSecret []byte, anonymousRole string, logger *logrus.Logger) *Resolver {
	return &Resolver{
		keyFinder:     keyFinder,
		jwtSecret:     jwtSecret,
		anonymousRole: anonymousRole,
		logger:        logger,
	}
}

func (r *Resolver) Resolve(
	ctx context.Context,
	headers map[string][]string,
	query url.Values,
	ip string,
) (*Identity, error) {
	if rawKey := headerValue(headers, common.ApiKeyHeader); rawKey != "" {
		return r.resolveAPIKey(ctx, rawKey)
	}

	if auth := headerValue(headers, "Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return r.resolveBearer(token)
		}
	}

	if rawKey := query.Get(common.ApiKeyQueryParam); rawKey != "" {
		return r.resolveAPIKey(ctx, rawKey)
	}

	if ip == "" {
		return nil, ErrNoIdentity
	}
	roles := []string{}
	if r.anonymousRole != "" {
		roles = append(roles, r.anonymousRole)
	}
	return &Identity{
		Kind:  KindAnonymous,
		ID:    ip,
		Roles: roles,
	}, nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, rawKey string) (*Identity, error) {
	key, err := r.keyFinder.Find(ctx, rawKey)
	if err != nil {
		r.logger.WithError(err).Debug("api key lookup failed")
		return nil, ErrInvalidKey
	}
	if !key.IsValid() {
		return nil, ErrInvalidKey
	}
	return &Identity{
		Kind:    KindAPIKey,
		ID:      key.ID.String(),
		OwnerID: key.OwnerID,
		Roles:   key.Roles,
	}, nil
}

func (r *Resolver) resolveBearer(token string) (*Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		r.logger.WithError(err).Debug("bearer token rejected")
		return nil, fmt.Errorf("invalid bearer token: %w", err)
	}

	ownerID := uuid.Nil
	if claims.OwnerID != "" {
		if parsedOwner, err := uuid.Parse(claims.OwnerID); err == nil {
			ownerID = parsedOwner
		}
	} else if claims.Subject != "" {
		if parsedOwner, err := uuid.Parse(claims.Subject); err == nil {
			ownerID = parsedOwner
		}
	}

	return &Identity{
		Kind:    KindUser,
		ID:      claims.Subject,
		OwnerID: ownerID,
		Roles:   claims.Roles,
	}, nil
}

func headerValue(headers map[string][]string, key string) string {
	if vals := headers[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}
