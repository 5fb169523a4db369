package identity

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/domain"
	domainApikey "github.com/renthub/apigate/pkg/domain/apikey"
)

const testSecret = "resolver-secret"

type stubFinder struct {
	keys map[string]*domainApikey.APIKey
}

func (f *stubFinder) Find(_ context.Context, rawKey string) (*domainApikey.APIKey, error) {
	if key, ok := f.keys[rawKey]; ok {
		return key, nil
	}
	return nil, domain.ErrEntityNotFound
}

func newTestResolver(keys map[string]*domainApikey.APIKey) *Resolver {
	return NewResolver(&stubFinder{keys: keys}, []byte(testSecret), "visitor", logrus.New())
}

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestResolve_APIKeyHeader(t *testing.T) {
	ownerID := uuid.New()
	resolver := newTestResolver(map[string]*domainApikey.APIKey{
		"raw-key": {ID: uuid.New(), OwnerID: ownerID, Active: true, Roles: []string{"host"}},
	})

	id, err := resolver.Resolve(context.Background(),
		map[string][]string{common.ApiKeyHeader: {"raw-key"}}, url.Values{}, "10.0.0.5")
	require.NoError(t, err)

	assert.Equal(t, KindAPIKey, id.Kind)
	assert.Equal(t, ownerID, id.OwnerID)
	assert.Equal(t, []string{"host"}, id.Roles)
}

func TestResolve_HeaderTakesPrecedenceOverBearer(t *testing.T) {
	resolver := newTestResolver(map[string]*domainApikey.APIKey{
		"raw-key": {ID: uuid.New(), Active: true, Roles: []string{"host"}},
	})
	token := signedToken(t, Claims{
		Roles:            []string{"guest"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()},
	})

	id, err := resolver.Resolve(context.Background(), map[string][]string{
		common.ApiKeyHeader: {"raw-key"},
		"Authorization":     {"Bearer " + token},
	}, url.Values{}, "10.0.0.5")
	require.NoError(t, err)

	assert.Equal(t, KindAPIKey, id.Kind)
}

func TestResolve_BearerToken(t *testing.T) {
	resolver := newTestResolver(nil)
	subject := uuid.New()
	token := signedToken(t, Claims{
		Roles: []string{"guest"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	id, err := resolver.Resolve(context.Background(),
		map[string][]string{"Authorization": {"Bearer " + token}}, url.Values{}, "10.0.0.5")
	require.NoError(t, err)

	assert.Equal(t, KindUser, id.Kind)
	assert.Equal(t, subject.String(), id.ID)
	assert.Equal(t, subject, id.OwnerID)
	assert.Equal(t, []string{"guest"}, id.Roles)
}

func TestResolve_BearerTokenWrongSecret(t *testing.T) {
	resolver := newTestResolver(nil)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()},
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(),
		map[string][]string{"Authorization": {"Bearer " + token}}, url.Values{}, "10.0.0.5")
	assert.Error(t, err)
}

func TestResolve_APIKeyQueryParam(t *testing.T) {
	resolver := newTestResolver(map[string]*domainApikey.APIKey{
		"raw-key": {ID: uuid.New(), Active: true, Roles: []string{"host"}},
	})
	query := url.Values{}
	query.Set(common.ApiKeyQueryParam, "raw-key")

	id, err := resolver.Resolve(context.Background(), map[string][]string{}, query, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, KindAPIKey, id.Kind)
}

func TestResolve_InvalidKey(t *testing.T) {
	resolver := newTestResolver(nil)

	_, err := resolver.Resolve(context.Background(),
		map[string][]string{common.ApiKeyHeader: {"bogus"}}, url.Values{}, "10.0.0.5")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestResolve_ExpiredKeyIsInvalid(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	resolver := newTestResolver(map[string]*domainApikey.APIKey{
		"raw-key": {ID: uuid.New(), Active: true, ExpiresAt: &expired},
	})

	_, err := resolver.Resolve(context.Background(),
		map[string][]string{common.ApiKeyHeader: {"raw-key"}}, url.Values{}, "10.0.0.5")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestResolve_AnonymousFallsBackToIP(t *testing.T) {
	resolver := newTestResolver(nil)

	id, err := resolver.Resolve(context.Background(), map[string][]string{}, url.Values{}, "10.0.0.5")
	require.NoError(t, err)

	assert.Equal(t, KindAnonymous, id.Kind)
	assert.Equal(t, "10.0.0.5", id.ID)
	assert.Equal(t, []string{"visitor"}, id.Roles)
	assert.True(t, id.IsAnonymous())
}

func TestResolve_NoIdentityAtAll(t *testing.T) {
	resolver := newTestResolver(nil)

	_, err := resolver.Resolve(context.Background(), map[string][]string{}, url.Values{}, "")
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestIdentityKey(t *testing.T) {
	assert.Equal(t, "key:abc", (&Identity{Kind: KindAPIKey, ID: "abc"}).Key())
	assert.Equal(t, "user:u1", (&Identity{Kind: KindUser, ID: "u1"}).Key())
	assert.Equal(t, "ip:10.0.0.5", (&Identity{Kind: KindAnonymous, ID: "10.0.0.5"}).Key())
}
