package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	prep "github.com/goliatone/go-prep"
	"github.com/goliatone/go-prep/provider/firebase"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultSessionPrefix = "prep:session:"
	DefaultNoticeChannel = "prep:session-changes"
)

// RedisTokenStore keeps device sessions in Redis so every instance
// behind a load balancer sees the same sign in state. Keys expire with
// the session retention of their persistence mode.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
}

var _ firebase.TokenStore = (*RedisTokenStore)(nil)

// NewRedisTokenStore creates a store, prefix defaults to DefaultSessionPrefix
func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	return &RedisTokenStore{client: client, prefix: prefix}
}

func (s *RedisTokenStore) Load(ctx context.Context, device string) (*firebase.Session, error) {
	raw, err := s.client.Get(ctx, s.prefix+device).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess := &firebase.Session{}
	if err := json.Unmarshal(raw, sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return sess, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, device string, session *firebase.Session) error {
	if session == nil {
		return s.Delete(ctx, device)
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	return s.client.Set(ctx, s.prefix+device, raw, firebase.SessionTTL(session.Persistence)).Err()
}

func (s *RedisTokenStore) Delete(ctx context.Context, device string) error {
	return s.client.Del(ctx, s.prefix+device).Err()
}

// RedisBroadcaster shares session change notices over Redis pub/sub
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
	logger  prep.Logger
}

var _ firebase.Broadcaster = (*RedisBroadcaster)(nil)

// NewRedisBroadcaster creates a broadcaster, channel defaults to
// DefaultNoticeChannel
func NewRedisBroadcaster(client redis.UniversalClient, channel string, logger prep.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultNoticeChannel
	}
	if logger == nil {
		logger = prep.DefLogger()
	}
	return &RedisBroadcaster{client: client, channel: channel, logger: logger}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, notice firebase.Notice) error {
	raw, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Listen subscribes to the channel and calls fn for every notice until
// ctx is done. An unconfirmed subscription is returned as an error.
func (b *RedisBroadcaster) Listen(ctx context.Context, fn func(firebase.Notice)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var notice firebase.Notice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				b.logger.Warn("dropping malformed session notice", "error", err)
				continue
			}
			fn(notice)
		}
	}
}
