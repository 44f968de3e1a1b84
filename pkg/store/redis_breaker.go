package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/aegis/pkg/breaker"
)

// Breaker state lives in two keys per target: the JSON document and an
// integer version counter. Both Lua scripts touch them together so a
// concurrent writer can never observe the document ahead of the version.
var (
	redisBreakerCreateScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[2]) == 1 then
			return 0
		end
		redis.call("SET", KEYS[1], ARGV[1])
		redis.call("SET", KEYS[2], ARGV[2])
		return 1
	`)

	redisBreakerCASScript = redis.NewScript(`
		local ver = redis.call("GET", KEYS[2])
		if not ver then
			return -1
		end
		if tonumber(ver) ~= tonumber(ARGV[1]) then
			return 0
		end
		redis.call("SET", KEYS[1], ARGV[2])
		redis.call("INCR", KEYS[2])
		return 1
	`)
)

// RedisBreakerStore implements breaker.Store on Redis. It is meant for
// deployments where breaker reads sit on the hot path of every
// governance check and a SQL round trip per check is too slow; the SQL
// stores remain the durable system of record for audit and scopes.
type RedisBreakerStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisBreakerStore returns a breaker store on the given client.
// keyPrefix namespaces the keys, e.g. "aegis:prod".
func NewRedisBreakerStore(client redis.UniversalClient, keyPrefix string) *RedisBreakerStore {
	if keyPrefix == "" {
		keyPrefix = "aegis"
	}
	return &RedisBreakerStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisBreakerStore) stateKey(targetID string) string {
	return fmt.Sprintf("%s:breaker:{%s}:state", s.keyPrefix, targetID)
}

func (s *RedisBreakerStore) versionKey(targetID string) string {
	// Hash tag keeps both keys in the same slot on Redis Cluster so the
	// scripts stay single-slot.
	return fmt.Sprintf("%s:breaker:{%s}:version", s.keyPrefix, targetID)
}

func (s *RedisBreakerStore) Get(ctx context.Context, targetID string) (*breaker.State, error) {
	raw, err := s.client.Get(ctx, s.stateKey(targetID)).Result()
	if err == redis.Nil {
		return nil, breaker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get breaker %s: %w", targetID, err)
	}
	var st breaker.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("store: decoding breaker state %s: %w", targetID, err)
	}
	return &st, nil
}

func (s *RedisBreakerStore) Create(ctx context.Context, state breaker.State) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: encoding breaker state: %w", err)
	}
	keys := []string{s.stateKey(state.TargetID), s.versionKey(state.TargetID)}
	res, err := redisBreakerCreateScript.Run(ctx, s.client, keys, string(doc), state.Version).Int()
	if err != nil {
		return fmt.Errorf("store: redis create breaker %s: %w", state.TargetID, err)
	}
	if res == 0 {
		return fmt.Errorf("store: breaker state %s already exists", state.TargetID)
	}
	return nil
}

func (s *RedisBreakerStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next breaker.State) error {
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("store: encoding breaker state: %w", err)
	}
	keys := []string{s.stateKey(next.TargetID), s.versionKey(next.TargetID)}
	res, err := redisBreakerCASScript.Run(ctx, s.client, keys, expectedVersion, string(doc)).Int()
	if err != nil {
		return fmt.Errorf("store: redis CAS breaker %s: %w", next.TargetID, err)
	}
	switch res {
	case -1:
		return breaker.ErrNotFound
	case 0:
		return breaker.ErrConditionFailed
	default:
		return nil
	}
}
