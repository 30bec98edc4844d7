// Package redisstore keeps the ledger in Redis sorted sets scored by the
// event finish time in unix microseconds.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"apipool-go/internal/ledger"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const defaultPrefix = "apipool:"

// ensureKeyScript allocates a row id for a key exactly once.
var ensureKeyScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if id then return tonumber(id) end
id = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], ARGV[1], id)
redis.call('HSET', KEYS[3], id, ARGV[1])
return id
`)

// appendEventScript indexes one event; returns 0 when the identity exists.
var appendEventScript = redis.NewScript(`
if redis.call('ZADD', KEYS[1], 'NX', ARGV[1], ARGV[2]) == 0 then return 0 end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[1], ARGV[2])
return 1
`)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store implements ledger.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
}

var _ ledger.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	log.WithFields(log.Fields{"addr": cfg.Addr, "db": cfg.DB}).Info("ledger redis store connected")
	return New(client, cfg.Prefix), nil
}

// New wraps an existing client. An empty prefix uses "apipool:".
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) keysHash() string   { return s.prefix + "apikey" }
func (s *Store) idsHash() string    { return s.prefix + "apikey:id" }
func (s *Store) seqKey() string     { return s.prefix + "apikey:seq" }
func (s *Store) statusHash() string { return s.prefix + "status" }
func (s *Store) allEvents() string  { return s.prefix + "event:all" }

func (s *Store) keyEvents(keyID int64) string {
	return fmt.Sprintf("%sevent:key:%d", s.prefix, keyID)
}

func (s *Store) statusEvents(status ledger.Status) string {
	return fmt.Sprintf("%sevent:status:%d", s.prefix, status.ID())
}

func (s *Store) keyStatusEvents(keyID int64, status ledger.Status) string {
	return fmt.Sprintf("%sevent:key:%d:status:%d", s.prefix, keyID, status.ID())
}

func (s *Store) EnsureStatuses(ctx context.Context, statuses []ledger.Status) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range statuses {
			pipe.HSetNX(ctx, s.statusHash(), strconv.Itoa(st.ID()), st.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure statuses: %w", err)
	}
	return nil
}

func (s *Store) EnsureKeys(ctx context.Context, keys []string) error {
	for _, key := range keys {
		err := ensureKeyScript.Run(ctx, s.client,
			[]string{s.keysHash(), s.seqKey(), s.idsHash()}, key).Err()
		if err != nil {
			return fmt.Errorf("ensure key %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) LoadKeyIDs(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if keys == nil {
		all, err := s.client.HGetAll(ctx, s.keysHash()).Result()
		if err != nil {
			return nil, fmt.Errorf("load key ids: %w", err)
		}
		for key, raw := range all {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse key id for %s: %w", key, err)
			}
			out[key] = id
		}
		return out, nil
	}
	if len(keys) == 0 {
		return out, nil
	}

	vals, err := s.client.HMGet(ctx, s.keysHash(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load key ids: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse key id for %s: %w", keys[i], err)
		}
		out[keys[i]] = id
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) error {
	var keyExists, statusExists *redis.BoolCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		keyExists = pipe.HExists(ctx, s.idsHash(), strconv.FormatInt(ev.KeyID, 10))
		statusExists = pipe.HExists(ctx, s.statusHash(), strconv.Itoa(ev.Status.ID()))
		return nil
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if !keyExists.Val() {
		return fmt.Errorf("%w: row %d", ledger.ErrUnknownKey, ev.KeyID)
	}
	if !statusExists.Val() {
		return fmt.Errorf("%w: %d", ledger.ErrInvalidStatus, uint8(ev.Status))
	}

	us := ledger.Micros(ev.FinishedAt)
	member := strconv.FormatInt(us, 10)
	added, err := appendEventScript.Run(ctx, s.client,
		[]string{
			s.keyEvents(ev.KeyID),
			s.allEvents(),
			s.statusEvents(ev.Status),
			s.keyStatusEvents(ev.KeyID, ev.Status),
		},
		us, member, fmt.Sprintf("%d:%d", ev.KeyID, us),
	).Int64()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if added == 0 {
		return ledger.ErrDuplicateEvent
	}
	return nil
}

func (s *Store) CountEvents(ctx context.Context, q ledger.Query) (int64, error) {
	var set string
	switch {
	case q.KeyID != 0 && q.Status != 0:
		set = s.keyStatusEvents(q.KeyID, q.Status)
	case q.KeyID != 0:
		set = s.keyEvents(q.KeyID)
	case q.Status != 0:
		set = s.statusEvents(q.Status)
	default:
		set = s.allEvents()
	}
	lower, upper := scoreRange(q)
	n, err := s.client.ZCount(ctx, set, lower, upper).Result()
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) CountEventsByKey(ctx context.Context, q ledger.Query) ([]ledger.KeyCount, error) {
	names, err := s.client.HGetAll(ctx, s.idsHash()).Result()
	if err != nil {
		return nil, fmt.Errorf("count events by key: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	lower, upper := scoreRange(q)
	counts := make(map[string]*redis.IntCmd, len(names))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for rawID, key := range names {
			counts[key] = pipe.ZCount(ctx, s.prefix+"event:key:"+rawID, lower, upper)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count events by key: %w", err)
	}

	var out []ledger.KeyCount
	for key, cmd := range counts {
		if n := cmd.Val(); n > 0 {
			out = append(out, ledger.KeyCount{Key: key, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// scoreRange maps q onto ZCOUNT bounds; "(" makes the upper one exclusive.
func scoreRange(q ledger.Query) (lower, upper string) {
	since, until, bounded := q.Bounds()
	lower = strconv.FormatInt(since, 10)
	if !bounded {
		return lower, "+inf"
	}
	return lower, "(" + strconv.FormatInt(until, 10)
}

func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
