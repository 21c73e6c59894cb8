package extsvc

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// observationWindow is how long an announcement counts as "recently observed".
const observationWindow = 24 * time.Hour

const (
	originKeyPrefix  = "ripe_ris:prefix_origin:"
	asnKeyPrefix     = "ripe_ris:asn_prefixes:"
	verdictKeyPrefix = "ripe_ris:validate:"
)

// PrefixOrigin records (prefix, origin ASN) observations from the route
// collector feed and answers origin-validation queries from them. A prefix
// whose recorded origin differs from the ASN now announcing it is the
// hijack signal the RPKI rule consumes.
type PrefixOrigin struct {
	rdb        *redis.Client
	verdictTTL time.Duration
	log        *zap.Logger
}

func NewPrefixOrigin(rdb *redis.Client, verdictTTL time.Duration, log *zap.Logger) *PrefixOrigin {
	return &PrefixOrigin{rdb: rdb, verdictTTL: verdictTTL, log: log}
}

// ObserveAnnouncement records that prefix was announced with the given origin.
// The first origin seen inside the window is kept as the reference; later
// announcements by other ASNs are what CheckASN flags. Observations age out
// after the observation window.
func (p *PrefixOrigin) ObserveAnnouncement(ctx context.Context, prefix string, origin uint32) error {
	pipe := p.rdb.Pipeline()
	pipe.SetNX(ctx, originKeyPrefix+prefix, strconv.FormatUint(uint64(origin), 10), observationWindow)
	pipe.Expire(ctx, originKeyPrefix+prefix, observationWindow)
	asnKey := asnKeyPrefix + strconv.FormatUint(uint64(origin), 10)
	pipe.SAdd(ctx, asnKey, prefix)
	pipe.Expire(ctx, asnKey, observationWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording announcement %s AS%d: %w", prefix, origin, err)
	}
	return nil
}

// ValidateOrigin reports whether the prefix was recently observed with this
// origin. Verdicts are memoized for the configured TTL.
func (p *PrefixOrigin) ValidateOrigin(ctx context.Context, prefix string, origin uint32) (bool, error) {
	verdictKey := fmt.Sprintf("%s%s:%d", verdictKeyPrefix, prefix, origin)
	if cached, err := p.rdb.Get(ctx, verdictKey).Result(); err == nil {
		return cached == "1", nil
	}

	recorded, err := p.rdb.Get(ctx, originKeyPrefix+prefix).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up origin for %s: %w", prefix, err)
	}

	valid := recorded == strconv.FormatUint(uint64(origin), 10)
	verdict := "0"
	if valid {
		verdict = "1"
	}
	if err := p.rdb.Set(ctx, verdictKey, verdict, p.verdictTTL).Err(); err != nil {
		p.log.Warn("caching origin verdict failed", zap.String("prefix", prefix), zap.Error(err))
	}
	return valid, nil
}

// CheckASN returns the prefixes the ASN announced recently whose recorded
// origin disagrees with it. determined is false when there is no observation
// data to judge by or the store is unreachable.
func (p *PrefixOrigin) CheckASN(ctx context.Context, asn uint32) (invalid []string, determined bool) {
	asnKey := asnKeyPrefix + strconv.FormatUint(uint64(asn), 10)
	prefixes, err := p.rdb.SMembers(ctx, asnKey).Result()
	if err != nil {
		p.log.Warn("origin check unavailable", zap.Uint32("asn", asn), zap.Error(err))
		return nil, false
	}
	if len(prefixes) == 0 {
		return nil, false
	}

	own := strconv.FormatUint(uint64(asn), 10)
	for _, prefix := range prefixes {
		recorded, err := p.rdb.Get(ctx, originKeyPrefix+prefix).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			p.log.Warn("origin check unavailable", zap.Uint32("asn", asn), zap.Error(err))
			return nil, false
		}
		if recorded != own {
			invalid = append(invalid, prefix)
		}
	}
	return invalid, true
}
