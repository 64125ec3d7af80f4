package holdstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/bus-ticketing/internal/clock"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// Redis shares the hold cache between coordinator instances.  Holds live
// under <prefix>:hold:<token> with a TTL that ends at the hold's expiry;
// pending confirmations live under <prefix>:pending:<token> without TTL
// and are indexed in the set <prefix>:pending.
type Redis struct {
	rdb    redis.UniversalClient
	clock  clock.Clock
	prefix string
}

// NewRedis returns a Redis store.  An empty prefix defaults to "bus".
func NewRedis(rdb redis.UniversalClient, clk clock.Clock, prefix string) *Redis {
	if prefix == "" {
		prefix = "bus"
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Redis{rdb: rdb, clock: clk, prefix: prefix}
}

func (s *Redis) holdKey(token string) string    { return s.prefix + ":hold:" + token }
func (s *Redis) pendingKey(token string) string { return s.prefix + ":pending:" + token }
func (s *Redis) pendingIndex() string           { return s.prefix + ":pending" }

func (s *Redis) Put(ctx context.Context, h model.Hold) error {
	ttl := h.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return s.Delete(ctx, h.Token)
	}
	b, err := encodeHold(h)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.holdKey(h.Token), b, ttl).Err(); err != nil {
		return fmt.Errorf("holdstore: set hold: %w", err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, token string) (model.Hold, error) {
	b, err := s.rdb.Get(ctx, s.holdKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Hold{}, ErrNotFound
	}
	if err != nil {
		return model.Hold{}, fmt.Errorf("holdstore: get hold: %w", err)
	}
	h, err := decodeHold(b)
	if err != nil {
		return model.Hold{}, err
	}
	// Redis expiry has millisecond resolution; the clock decides.
	if h.Expired(s.clock.Now()) {
		return model.Hold{}, ErrNotFound
	}
	return h, nil
}

func (s *Redis) Delete(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, s.holdKey(token)).Err(); err != nil {
		return fmt.Errorf("holdstore: delete hold: %w", err)
	}
	return nil
}

func (s *Redis) PutPending(ctx context.Context, p model.PendingConfirmation) error {
	b, err := encodePending(p)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.pendingKey(p.Hold.Token), b, 0)
		pipe.SAdd(ctx, s.pendingIndex(), p.Hold.Token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("holdstore: put pending: %w", err)
	}
	return nil
}

func (s *Redis) GetPending(ctx context.Context, token string) (model.PendingConfirmation, error) {
	b, err := s.rdb.Get(ctx, s.pendingKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.PendingConfirmation{}, ErrNotFound
	}
	if err != nil {
		return model.PendingConfirmation{}, fmt.Errorf("holdstore: get pending: %w", err)
	}
	return decodePending(b)
}

func (s *Redis) ListPending(ctx context.Context) ([]model.PendingConfirmation, error) {
	tokens, err := s.rdb.SMembers(ctx, s.pendingIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("holdstore: list pending: %w", err)
	}
	out := make([]model.PendingConfirmation, 0, len(tokens))
	for _, tok := range tokens {
		p, err := s.GetPending(ctx, tok)
		if errors.Is(err, ErrNotFound) {
			s.rdb.SRem(ctx, s.pendingIndex(), tok)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sortPending(out)
	return out, nil
}

func (s *Redis) DeletePending(ctx context.Context, token string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.pendingKey(token))
		pipe.SRem(ctx, s.pendingIndex(), token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("holdstore: delete pending: %w", err)
	}
	return nil
}
