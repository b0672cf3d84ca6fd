package choicecontext

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	tsredis "github.com/LerianStudio/lib-tokenstandard/tokenstandard/redis"
	"github.com/redis/go-redis/v9"
)

const defaultCachePrefix = "choicecontext"

// ErrCacheDependencies is returned when a CachedProvider lacks its source or client.
var ErrCacheDependencies = errors.New("choicecontext: cached provider requires a provider and a redis client")

// CacheOption configures a CachedProvider.
type CacheOption func(*CachedProvider)

// WithCachePrefix namespaces the cache keys.
func WithCachePrefix(prefix string) CacheOption {
	return func(c *CachedProvider) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithCacheClock sets the clock entries are checked against.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CachedProvider) {
		if now != nil {
			c.now = now
		}
	}
}

// CachedProvider serves per-contract contexts from Redis until their
// validUntil. Factory contexts and contexts without an expiry always go to
// the source. Redis failures degrade to the source.
type CachedProvider struct {
	source Provider
	client *tsredis.Client
	prefix string
	now    func() time.Time
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider wraps source with a Redis cache.
func NewCachedProvider(source Provider, client *tsredis.Client, opts ...CacheOption) (*CachedProvider, error) {
	if source == nil || client == nil {
		return nil, ErrCacheDependencies
	}

	c := &CachedProvider{source: source, client: client, prefix: defaultCachePrefix, now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

func (c *CachedProvider) key(req Request) string {
	return c.prefix + ":" + string(req.Kind) + ":" + string(req.ContractID) + ":" + strconv.FormatBool(req.ExcludeDebugFields)
}

// ChoiceContext implements Provider.
func (c *CachedProvider) ChoiceContext(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	if req.Kind.Factory() {
		return c.source.ChoiceContext(ctx, req)
	}

	logger := tokenstandard.NewLoggerFromContext(ctx)
	key := c.key(req)

	rdb, err := c.client.GetClient(ctx)
	if err != nil {
		logger.Log(ctx, log.LevelWarn, "choice context cache unavailable", log.Err(err))
		return c.source.ChoiceContext(ctx, req)
	}

	if resp, ok := c.lookup(ctx, rdb, key); ok {
		return resp, nil
	}

	resp, err := c.source.ChoiceContext(ctx, req)
	if err != nil {
		return Response{}, err
	}

	ttl := resp.ValidUntil().Sub(c.now())
	if resp.ValidUntil().IsZero() || ttl <= 0 {
		return resp, nil
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return resp, nil
	}

	if err := rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		logger.Log(ctx, log.LevelWarn, "failed to cache choice context", log.String("key", key), log.Err(err))
	}

	return resp, nil
}

func (c *CachedProvider) lookup(ctx context.Context, rdb redis.UniversalClient, key string) (Response, bool) {
	raw, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			tokenstandard.NewLoggerFromContext(ctx).Log(ctx, log.LevelWarn, "choice context cache read failed", log.Err(err))
		}

		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false
	}

	// Redis expiry is coarse; never hand out a context the ledger would reject.
	if resp.Context.CheckValid(c.now()) != nil {
		_ = rdb.Del(ctx, key).Err()
		return Response{}, false
	}

	if resp.Disclosed == nil {
		resp.Disclosed = Disclosures{}
	}

	return resp, true
}

// Invalidate drops the cached context for req. Callers use it after the
// ledger rejected a submission as stale.
func (c *CachedProvider) Invalidate(ctx context.Context, req Request) error {
	rdb, err := c.client.GetClient(ctx)
	if err != nil {
		return err
	}

	return rdb.Del(ctx, c.key(req)).Err()
}
