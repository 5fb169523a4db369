package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/renthub/apigate/pkg/cache"
	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/domain/apikey"
	"github.com/sirupsen/logrus"
)

//go:generate mockery --name=Finder --dir=. --output=./mocks --filename=finder_mock.go --case=underscore --with-expecter
type Finder interface {
	Find(ctx context.Context, rawKey string) (*apikey.APIKey, error)
}

type finder struct {
	repository apikey.Repository
	cache      *cache.Cache
	logger     *logrus.Logger
}

func NewFinder(repository apikey.Repository, c *cache.Cache, logger *logrus.Logger) Finder {
	return &finder{
		repository: repository,
		cache:      c,
		logger:     logger,
	}
}

// Find resolves a raw API key to its record. Keys are stored hashed; lookups go
// memory → redis → database, writing back on the way out. Last-used bookkeeping
// is best effort and never blocks the request.
func (f *finder) Find(ctx context.Context, rawKey string) (*apikey.APIKey, error) {
	keyHash := HashKey(rawKey)

	if ttlMap := f.cache.GetTTLMap(cache.ApiKeyTTLName); ttlMap != nil {
		if cached, ok := ttlMap.Get(keyHash); ok {
			if key, ok := cached.(*apikey.APIKey); ok {
				return key, nil
			}
		}
	}

	redisKey := fmt.Sprintf(cache.ApiKeyKeyPattern, keyHash)
	if raw, err := f.cache.Get(ctx, redisKey); err == nil {
		key := new(apikey.APIKey)
		if err := json.Unmarshal([]byte(raw), key); err == nil {
			f.storeLocal(keyHash, key)
			return key, nil
		}
	}

	key, err := f.repository.GetByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(key); err == nil {
		if err := f.cache.Set(ctx, redisKey, string(raw), common.ApiKeyCacheTTL); err != nil {
			f.logger.WithError(err).Warn("failed to cache api key")
		}
	}
	f.storeLocal(keyHash, key)

	go f.touchLastUsed(key.ID.String())

	return key, nil
}

func (f *finder) storeLocal(keyHash string, key *apikey.APIKey) {
	if ttlMap := f.cache.GetTTLMap(cache.ApiKeyTTLName); ttlMap != nil {
		ttlMap.Set(keyHash, key)
	}
}

func (f *finder) touchLastUsed(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.repository.TouchLastUsed(ctx, id); err != nil {
		f.logger.WithError(err).WithField("api_key_id", id).Debug("failed to update last used timestamp")
	}
}

// HashKey returns the hex SHA-256 digest under which a key is stored.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
