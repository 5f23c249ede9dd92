package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
	"github.com/qash-finance/schedule-service/infrastructure/retry"
)

// DefaultBlockTime is the average ledger block time. It is the only bridge between
// calendar time and block height and must be the same for every conversion.
const DefaultBlockTime = 5 * time.Second

const currentHeightKey = "height"

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

type HeightSource interface {
	GetCurrentHeight(ctx context.Context) (uint64, error)
}

type HeightObserver interface {
	SetSourceHeight(height uint64)
}

// HeightBridge supplies the current ledger height and the block time constant. Heights are
// cached for a short TTL; concurrent callers share one ledger round trip.
type HeightBridge struct {
	source     HeightSource
	clock      Clock
	blockTime  time.Duration
	cache      *ttlcache.Cache[string, uint64]
	cacheLock  sync.Mutex
	retryDelay time.Duration
	observer   HeightObserver
}

func NewHeightBridge(source HeightSource, clock Clock, blockTime time.Duration, cache *ttlcache.Cache[string, uint64], retryDelay time.Duration) *HeightBridge {
	if blockTime <= 0 {
		blockTime = DefaultBlockTime
	}
	return &HeightBridge{
		source:     source,
		clock:      clock,
		blockTime:  blockTime,
		cache:      cache,
		retryDelay: retryDelay,
	}
}

// NewHeightCache creates the cache used by the bridge. The caller starts and stops it.
func NewHeightCache(ttl time.Duration) *ttlcache.Cache[string, uint64] {
	return ttlcache.New[string, uint64](
		ttlcache.WithTTL[string, uint64](ttl),
		ttlcache.WithDisableTouchOnHit[string, uint64](),
	)
}

func (b *HeightBridge) WithObserver(observer HeightObserver) *HeightBridge {
	b.observer = observer
	return b
}

func (b *HeightBridge) BlockTime() time.Duration {
	return b.blockTime
}

func (b *HeightBridge) Now() time.Time {
	return b.clock.Now()
}

func (b *HeightBridge) CurrentHeight(ctx context.Context) (uint64, error) {
	b.cacheLock.Lock() // lock so that we do not get multiple fetches inside the `if`
	defer b.cacheLock.Unlock()

	if item := b.cache.Get(currentHeightKey); item != nil {
		return item.Value(), nil
	}

	var height uint64
	err := retry.Do(ctx, retry.DefaultAttempts, b.retryDelay, func(ctx context.Context) error {
		h, err := b.source.GetCurrentHeight(ctx)
		if err != nil {
			return retry.Classify(err)
		}
		height = h
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(entities.ErrFetchFailure, "getting current height: %v", err)
	}

	b.cache.Set(currentHeightKey, height, ttlcache.DefaultTTL)
	if b.observer != nil {
		b.observer.SetSourceHeight(height)
	}
	return height, nil
}

// Calculator returns a claimable-time calculator bound to this bridge's clock and block time.
func (b *HeightBridge) Calculator() Calculator {
	return Calculator{BlockTime: b.blockTime, Clock: b.clock}
}
