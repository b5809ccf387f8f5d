package token

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"academy/internal/store"
)

const (
	tokenKeyPrefix  = "qr:token:"
	activeKeyPrefix = "qr:active:"
)

// Fields of the token hash: sub, pur, ctx, iat, exp, rta (unix ms; rta is the
// rotation deadline, 0 for plain tokens), tok (signed form), state ("live" |
// "used") and rot ("1" once replaced).

var redeemScript = goredis.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'sub', 'pur', 'ctx', 'iat', 'exp', 'state', 'rot', 'rta')
if not rec[1] then
  return {'missing'}
end
local now = tonumber(ARGV[3])
if tonumber(rec[5]) <= now then
  return {'expired'}
end
if rec[6] == 'used' then
  return {'used'}
end
local rta = tonumber(rec[8] or '0') or 0
if rec[7] == '1' or (rta > 0 and rta <= now) then
  return {'rotated'}
end
if rec[2] ~= ARGV[1] or rec[3] ~= ARGV[2] then
  return {'mismatch'}
end
redis.call('HSET', KEYS[1], 'state', 'used')
return {'ok', rec[1], rec[2], rec[3], rec[4], rec[5]}
`)

var releaseScript = goredis.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'state', 'rot')
if rec[1] == 'used' and rec[2] ~= '1' then
  redis.call('HSET', KEYS[1], 'state', 'live')
  return 1
end
return 0
`)

var rotateScript = goredis.NewScript(`
local now = tonumber(ARGV[8])
local cur = redis.call('GET', KEYS[1])
if cur then
  local old = ARGV[10] .. cur
  local rec = redis.call('HMGET', old, 'rta', 'exp', 'state', 'rot', 'tok')
  if rec[2] then
    if rec[3] == 'live' and rec[4] ~= '1' and (tonumber(rec[1] or '0') or 0) > now and tonumber(rec[2]) > now then
      return {'reuse', cur, rec[5]}
    end
    redis.call('HSET', old, 'rot', '1')
  end
end
redis.call('HSET', KEYS[2], 'sub', ARGV[2], 'pur', ARGV[3], 'ctx', ARGV[4], 'iat', ARGV[5], 'exp', ARGV[6], 'rta', ARGV[9], 'state', 'live', 'rot', '0', 'tok', ARGV[7])
redis.call('PEXPIRE', KEYS[2], ARGV[11])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[11])
return {'new', ARGV[1], ARGV[7]}
`)

// RedisStore keeps tokens as Redis hashes that expire with the token.
type RedisStore struct {
	client goredis.UniversalClient
}

// NewRedisStore builds a token store on the given client.
func NewRedisStore(client goredis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, t Token) error {
	ttl := t.ExpiresAt.Sub(t.IssuedAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	key := tokenKeyPrefix + t.ID
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"sub", t.SubjectID,
			"pur", string(t.Purpose),
			"ctx", t.Context,
			"iat", t.IssuedAt.UnixMilli(),
			"exp", t.ExpiresAt.UnixMilli(),
			"state", "live",
			"rot", "0",
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	return store.Unavailable("token put", err)
}

// Rotate implements Store.
func (s *RedisStore) Rotate(ctx context.Context, t Token, now time.Time) (Token, error) {
	ttl := t.ExpiresAt.Sub(now).Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	res, err := rotateScript.Run(ctx, s.client,
		[]string{activeKeyPrefix + activeKey(t.SubjectID, t.Purpose, t.Context), tokenKeyPrefix + t.ID},
		t.ID, t.SubjectID, string(t.Purpose), t.Context,
		t.IssuedAt.UnixMilli(), t.ExpiresAt.UnixMilli(), t.Signed,
		now.UnixMilli(), t.RotatesAt.UnixMilli(), tokenKeyPrefix, ttl,
	).StringSlice()
	if err != nil {
		return Token{}, store.Unavailable("token rotate", err)
	}
	if len(res) != 3 {
		return Token{}, fmt.Errorf("token rotate: unexpected reply %v", res)
	}
	if res[0] == "new" {
		return t, nil
	}
	return Token{ID: res[1], Signed: res[2]}, nil
}

// Redeem implements Store.
func (s *RedisStore) Redeem(ctx context.Context, id string, purpose Purpose, ctxID string, now time.Time) (Token, error) {
	res, err := redeemScript.Run(ctx, s.client, []string{tokenKeyPrefix + id},
		string(purpose), ctxID, now.UnixMilli(),
	).StringSlice()
	if err != nil {
		return Token{}, store.Unavailable("token redeem", err)
	}
	if len(res) == 0 {
		return Token{}, fmt.Errorf("token redeem: empty reply")
	}
	switch res[0] {
	case "missing":
		return Token{}, ErrNotFound
	case "expired", "rotated":
		return Token{}, ErrExpired
	case "used":
		return Token{}, ErrAlreadyUsed
	case "mismatch":
		return Token{}, ErrWrongContext
	}
	if len(res) != 6 {
		return Token{}, fmt.Errorf("token redeem: unexpected reply %v", res)
	}
	iat, _ := strconv.ParseInt(res[4], 10, 64)
	exp, _ := strconv.ParseInt(res[5], 10, 64)
	return Token{
		ID:        id,
		SubjectID: res[1],
		Purpose:   Purpose(res[2]),
		Context:   res[3],
		IssuedAt:  time.UnixMilli(iat),
		ExpiresAt: time.UnixMilli(exp),
		Redeemed:  true,
	}, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, id string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{tokenKeyPrefix + id}).Int64()
	if err != nil {
		return false, store.Unavailable("token release", err)
	}
	return n == 1, nil
}
