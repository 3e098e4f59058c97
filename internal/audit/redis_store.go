package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON strings written by one Lua script, a sorted set
// per listing scored by creation time, and one JSON list of anchor events
// per record. Members with equal scores sort by reference, which matches
// the newest-first ordering of the SQL stores.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var anchorStatuses = []AnchorStatus{AnchorPending, AnchorSubmitted, AnchorConfirmed, AnchorFailed, AnchorSkipped}

// NewRedisStore creates a store from a redis:// URL.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: "fraudproof:"}, nil
}

// WithPrefix namespaces every key, mostly so tests can share a server.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) recordKey(ref string) string {
	return s.prefix + "record:" + ref
}

func (s *RedisStore) eventsKey(ref string) string {
	return s.prefix + "anchors:" + ref
}

func (s *RedisStore) recentKey(domain string) string {
	if domain == "" {
		return s.prefix + "recent"
	}
	return s.prefix + "recent:" + domain
}

func (s *RedisStore) statusKey(st AnchorStatus) string {
	return s.prefix + "anchor_status:" + string(st)
}

func (s *RedisStore) countsKey() string {
	return s.prefix + "domain_counts"
}

func (s *RedisStore) seqKey() string {
	return s.prefix + "anchor_seq"
}

// insertScript writes a record and its indexes atomically. The record is
// set last, so a failed index write leaves no record behind; dangling
// recency members are skipped by ListRecent. It returns 0 when the
// reference exists.
var insertScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
	redis.call('HINCRBY', KEYS[4], ARGV[4], 1)
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
`)

func (s *RedisStore) Insert(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	keys := []string{s.recordKey(r.Reference), s.recentKey(""), s.recentKey(r.Domain), s.countsKey()}
	inserted, err := insertScript.Run(ctx, s.rdb, keys, data, r.CreatedAt.UnixMicro(), r.Reference, r.Domain).Int()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return ErrDuplicateReference
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, reference string) (*Record, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(reference)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

const redisScanBatch = 100

func (s *RedisStore) ListRecent(ctx context.Context, opts ListOptions) ([]*Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	maxScore := "+inf"
	if opts.After != nil {
		maxScore = strconv.FormatInt(opts.After.CreatedAt.UnixMicro(), 10)
	}

	var result []*Record
	for offset := int64(0); len(result) < limit; offset += redisScanBatch {
		refs, err := s.rdb.ZRevRangeByScore(ctx, s.recentKey(opts.Domain), &redis.ZRangeBy{
			Max: maxScore, Min: "-inf", Offset: offset, Count: redisScanBatch,
		}).Result()
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			r, err := s.Get(ctx, ref)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !before(r.CreatedAt, r.Reference, opts.After) {
				continue
			}
			result = append(result, r)
			if len(result) == limit {
				break
			}
		}
		if len(refs) < redisScanBatch {
			break
		}
	}
	return result, nil
}

func (s *RedisStore) CountByDomain(ctx context.Context) (map[string]int, error) {
	raw, err := s.rdb.HGetAll(ctx, s.countsKey()).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(raw))
	for domain, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("count for %s: %w", domain, err)
		}
		counts[domain] = n
	}
	return counts, nil
}

func (s *RedisStore) AppendAnchor(ctx context.Context, e *AnchorEvent) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	exists, err := s.rdb.Exists(ctx, s.recordKey(e.Reference)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return err
	}
	e.Seq = seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.eventsKey(e.Reference), data)
	for _, st := range anchorStatuses {
		if st != e.Status {
			pipe.ZRem(ctx, s.statusKey(st), e.Reference)
		}
	}
	pipe.ZAdd(ctx, s.statusKey(e.Status), redis.Z{Score: float64(seq), Member: e.Reference})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LatestAnchor(ctx context.Context, reference string) (*AnchorEvent, error) {
	data, err := s.rdb.LIndex(ctx, s.eventsKey(reference), -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeAnchor(data)
}

func (s *RedisStore) LatestAnchors(ctx context.Context, references []string) (map[string]*AnchorEvent, error) {
	out := make(map[string]*AnchorEvent, len(references))
	if len(references) == 0 {
		return out, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(references))
	for i, ref := range references {
		cmds[i] = pipe.LIndex(ctx, s.eventsKey(ref), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e, err := decodeAnchor(data)
		if err != nil {
			return nil, err
		}
		out[references[i]] = e
	}
	return out, nil
}

func (s *RedisStore) AnchorHistory(ctx context.Context, reference string) ([]*AnchorEvent, error) {
	items, err := s.rdb.LRange(ctx, s.eventsKey(reference), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*AnchorEvent, 0, len(items))
	for _, item := range items {
		e, err := decodeAnchor([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) ListByAnchorStatus(ctx context.Context, status AnchorStatus, limit int) ([]*AnchorEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	refs, err := s.rdb.ZRange(ctx, s.statusKey(status), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	latest, err := s.LatestAnchors(ctx, refs)
	if err != nil {
		return nil, err
	}
	out := make([]*AnchorEvent, 0, len(refs))
	for _, ref := range refs {
		if e, ok := latest[ref]; ok && e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *RedisStore) Close() error                   { return s.rdb.Close() }

func decodeAnchor(data []byte) (*AnchorEvent, error) {
	var e AnchorEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

var _ Store = (*RedisStore)(nil)
