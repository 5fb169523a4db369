package rate_limiter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/cache"
	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/domain"
	"github.com/renthub/apigate/pkg/pluginiface"
	"github.com/renthub/apigate/pkg/types"
)

const (
	PluginName = "rate_limiter"

	burstWindowName = "burst"
)

type RateLimiterPlugin struct {
	cache        *cache.Cache
	logger       *logrus.Logger
	timeProvider func() time.Time
}

type RateLimiterOpts struct {
	TimeProvider func() time.Time
}

type LimitConfig struct {
	Limit  int    `mapstructure:"limit"`
	Window string `mapstructure:"window"`
}

type BurstConfig struct {
	Limit  int    `mapstructure:"limit"`
	Window string `mapstructure:"window"`
	BanFor string `mapstructure:"ban_for"`
}

type Config struct {
	Limits   map[string]LimitConfig `mapstructure:"limits"`
	Burst    *BurstConfig           `mapstructure:"burst"`
	FailOpen bool                   `mapstructure:"fail_open"`
}

func NewRateLimiterPlugin(c *cache.Cache, logger *logrus.Logger, opts *RateLimiterOpts) pluginiface.Plugin {
	timeProvider := time.Now
	if opts != nil && opts.TimeProvider != nil {
		timeProvider = opts.TimeProvider
	}
	return &RateLimiterPlugin{
		cache:        c,
		logger:       logger,
		timeProvider: timeProvider,
	}
}

func (r *RateLimiterPlugin) Name() string {
	return PluginName
}

func (r *RateLimiterPlugin) Stages() []types.Stage {
	return []types.Stage{types.PreRequest}
}

func (r *RateLimiterPlugin) AllowedStages() []types.Stage {
	return []types.Stage{types.PreRequest}
}

func (r *RateLimiterPlugin) ValidateConfig(config types.PluginConfig) error {
	var cfg Config
	if err := mapstructure.Decode(config.Settings, &cfg); err != nil {
		return fmt.Errorf("failed to decode config: %v", err)
	}

	if len(cfg.Limits) == 0 {
		return fmt.Errorf("rate limiter requires at least one limit")
	}
	for name, limit := range cfg.Limits {
		if name == burstWindowName {
			return fmt.Errorf("window name %q is reserved for the burst detector", burstWindowName)
		}
		if limit.Limit <= 0 {
			return fmt.Errorf("rate limiter requires positive 'limit' value for %s", name)
		}
		if _, err := time.ParseDuration(limit.Window); err != nil {
			return fmt.Errorf("invalid window format for %s: %v", name, err)
		}
	}

	if cfg.Burst != nil {
		if cfg.Burst.Limit <= 0 {
			return fmt.Errorf("burst detector requires positive 'limit' value")
		}
		if _, err := time.ParseDuration(cfg.Burst.Window); err != nil {
			return fmt.Errorf("invalid burst window format: %v", err)
		}
		if _, err := time.ParseDuration(cfg.Burst.BanFor); err != nil {
			return fmt.Errorf("invalid burst ban duration: %v", err)
		}
	}

	return nil
}

// Execute admits or denies the request. The ban record is consulted first and
// short-circuits every other check; standard window counters are only
// incremented for requests that are not banned.
func (r *RateLimiterPlugin) Execute(
	ctx context.Context,
	cfg types.PluginConfig,
	req *types.RequestContext,
	resp *types.ResponseContext,
) (*types.PluginResponse, error) {
	var config Config
	if err := mapstructure.Decode(cfg.Settings, &config); err != nil {
		return nil, fmt.Errorf("invalid rate limiter config: %w", err)
	}

	if resp.Headers == nil {
		resp.Headers = make(map[string][]string)
	}

	identityKey := "unknown"
	if req.Identity != nil {
		identityKey = req.Identity.Key()
	}

	banKey := fmt.Sprintf(cache.BanKeyPattern, cfg.ID, identityKey)
	banTTL, err := r.cache.TTL(ctx, banKey)
	if err != nil {
		if allowErr := r.recoverStoreError(config, err, "ban check"); allowErr != nil {
			return nil, allowErr
		}
	} else if banTTL > 0 {
		return nil, r.denyBanned(resp, identityKey, banTTL)
	}

	type limitStatus struct {
		window     string
		count      int64
		limit      int
		retryAfter int
	}
	var exceeded *limitStatus
	minRemaining := int64(-1)

	for _, name := range sortedWindowNames(config.Limits) {
		limitCfg := config.Limits[name]
		window, err := time.ParseDuration(limitCfg.Window)
		if err != nil {
			return nil, fmt.Errorf("invalid window duration for %s: %w", name, err)
		}

		key := fmt.Sprintf(cache.RateLimitKeyPattern, cfg.ID, name, identityKey)
		count, err := r.cache.Increment(ctx, key, window)
		if err != nil {
			if allowErr := r.recoverStoreError(config, err, name); allowErr != nil {
				return nil, allowErr
			}
			continue
		}

		remaining := int64(limitCfg.Limit) - count
		if remaining < 0 {
			remaining = 0
		}

		resetTime := r.timeProvider().Add(window)
		headerPrefix := fmt.Sprintf("X-RateLimit-%s", name)
		resp.Headers[headerPrefix+"-Limit"] = []string{strconv.Itoa(limitCfg.Limit)}
		resp.Headers[headerPrefix+"-Remaining"] = []string{strconv.FormatInt(remaining, 10)}
		resp.Headers[headerPrefix+"-Reset"] = []string{strconv.FormatInt(resetTime.Unix(), 10)}

		if minRemaining < 0 || remaining < minRemaining {
			minRemaining = remaining
			resp.Headers["X-RateLimit-Limit"] = []string{strconv.Itoa(limitCfg.Limit)}
			resp.Headers["X-RateLimit-Remaining"] = []string{strconv.FormatInt(remaining, 10)}
			resp.Headers["X-RateLimit-Reset"] = []string{strconv.FormatInt(resetTime.Unix(), 10)}
		}

		if count > int64(limitCfg.Limit) && exceeded == nil {
			exceeded = &limitStatus{
				window:     name,
				count:      count,
				limit:      limitCfg.Limit,
				retryAfter: r.retryAfterSeconds(ctx, key, window),
			}
		}
	}

	if exceeded != nil {
		r.logger.WithField("identity", identityKey).WithField("rate_limit", RateLimiterData{
			RateLimitExceeded: true,
			ExceededWindow:    exceeded.window,
			RetryAfter:        exceeded.retryAfter,
			CurrentCount:      exceeded.count,
			Limit:             exceeded.limit,
			Window:            config.Limits[exceeded.window].Window,
		}).Info("rate limit exceeded")

		resp.Headers[common.RetryAfterHeader] = []string{strconv.Itoa(exceeded.retryAfter)}
		return nil, &types.PluginError{
			StatusCode: http.StatusTooManyRequests,
			Kind:       types.RateLimited,
			Message:    fmt.Sprintf("%s rate limit exceeded", exceeded.window),
			RetryAfter: exceeded.retryAfter,
			Err:        fmt.Errorf("retry after %d seconds", exceeded.retryAfter),
		}
	}

	if config.Burst != nil {
		if denyErr := r.checkBurst(ctx, config, cfg.ID, identityKey, resp); denyErr != nil {
			return nil, denyErr
		}
	}

	return nil, nil
}

// checkBurst tracks a tighter window and converts a burst overflow into a ban
// record with its own TTL.
func (r *RateLimiterPlugin) checkBurst(
	ctx context.Context,
	config Config,
	scopeID string,
	identityKey string,
	resp *types.ResponseContext,
) error {
	window, err := time.ParseDuration(config.Burst.Window)
	if err != nil {
		return fmt.Errorf("invalid burst window duration: %w", err)
	}
	banFor, err := time.ParseDuration(config.Burst.BanFor)
	if err != nil {
		return fmt.Errorf("invalid burst ban duration: %w", err)
	}

	key := fmt.Sprintf(cache.RateLimitKeyPattern, scopeID, burstWindowName, identityKey)
	count, err := r.cache.Increment(ctx, key, window)
	if err != nil {
		return r.recoverStoreError(config, err, burstWindowName)
	}

	if count <= int64(config.Burst.Limit) {
		return nil
	}

	banKey := fmt.Sprintf(cache.BanKeyPattern, scopeID, identityKey)
	if err := r.cache.SetWithTTL(ctx, banKey, "1", banFor); err != nil {
		if allowErr := r.recoverStoreError(config, err, "ban write"); allowErr != nil {
			return allowErr
		}
	}

	r.logger.WithField("identity", identityKey).WithField("rate_limit", RateLimiterData{
		RateLimitExceeded: true,
		ExceededWindow:    burstWindowName,
		CurrentCount:      count,
		Limit:             config.Burst.Limit,
		Window:            config.Burst.Window,
		Banned:            true,
	}).Warn("burst threshold exceeded, identity banned")

	return r.denyBanned(resp, identityKey, banFor)
}

func (r *RateLimiterPlugin) denyBanned(resp *types.ResponseContext, identityKey string, remaining time.Duration) error {
	retryAfter := int(remaining.Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	resp.Headers[common.RetryAfterHeader] = []string{strconv.Itoa(retryAfter)}
	return &types.PluginError{
		StatusCode: http.StatusForbidden,
		Kind:       types.Banned,
		Message:    "temporarily banned due to abusive traffic",
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("identity %s banned for %d more seconds", identityKey, retryAfter),
	}
}

// retryAfterSeconds derives the wait from the counter key's remaining TTL,
// clamped to [0, window].
func (r *RateLimiterPlugin) retryAfterSeconds(ctx context.Context, key string, window time.Duration) int {
	ttl, err := r.cache.TTL(ctx, key)
	if err != nil || ttl <= 0 || ttl > window {
		ttl = window
	}
	retryAfter := int(ttl.Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter
}

// recoverStoreError applies the fail-open/fail-closed policy. It returns nil to
// let the request proceed, or the denial to surface. The outage is always logged.
func (r *RateLimiterPlugin) recoverStoreError(config Config, err error, check string) error {
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("rate limiter %s failed: %w", check, err)
	}

	r.logger.WithError(err).WithFields(logrus.Fields{
		"check":     check,
		"fail_open": config.FailOpen,
	}).Warn("counter store unavailable")

	if config.FailOpen {
		return nil
	}
	return &types.PluginError{
		StatusCode: http.StatusServiceUnavailable,
		Kind:       types.UpstreamStoreUnavailable,
		Message:    "service temporarily unavailable",
		Err:        err,
	}
}

func sortedWindowNames(limits map[string]LimitConfig) []string {
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		wi, erri := time.ParseDuration(limits[names[i]].Window)
		wj, errj := time.ParseDuration(limits[names[j]].Window)
		if erri != nil || errj != nil || wi == wj {
			return names[i] < names[j]
		}
		return wi < wj
	})
	return names
}
