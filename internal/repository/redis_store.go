package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"line-relay/internal/domain"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnected
	stateFailed
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnected:
		return "connected"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RedisStore keeps each user's bounded history in a Redis list under "u:<userId>".
//
// The connection is opened lazily and reused. When an operation fails with a
// connection-level error the handle is closed and the store moves to the
// failed state; the next operation dials again. Concurrent callers share a
// single dial attempt and the mutex is never held across network I/O.
type RedisStore struct {
	opts   *redis.Options
	logger *slog.Logger
	dials  singleflight.Group

	mu     sync.Mutex
	state  connState
	client *redis.Client
}

// RedisOption adjusts connection options before the store is created.
type RedisOption func(*redis.Options)

// WithTimeouts overrides the dial, read and write timeouts. Zero values keep
// the go-redis defaults.
func WithTimeouts(dial, read, write time.Duration) RedisOption {
	return func(o *redis.Options) {
		if dial > 0 {
			o.DialTimeout = dial
		}
		if read > 0 {
			o.ReadTimeout = read
		}
		if write > 0 {
			o.WriteTimeout = write
		}
	}
}

// NewRedisStore creates a store for the given options without connecting.
func NewRedisStore(opts *redis.Options) (*RedisStore, error) {
	if opts == nil {
		return nil, errors.New("repository: redis options must not be nil")
	}
	return &RedisStore{
		opts:   opts,
		logger: slog.Default().With("component", "repository.redis"),
	}, nil
}

// NewRedisStoreFromURL parses a redis:// or rediss:// URL.
func NewRedisStoreFromURL(url string, options ...RedisOption) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("repository: parse redis url: %w", err)
	}
	for _, o := range options {
		o(opts)
	}
	return NewRedisStore(opts)
}

// FetchRecent returns up to the last MaxHistoryTurns turns, oldest first. The
// returned slice is always usable; a non-nil error explains why it is empty.
func (s *RedisStore) FetchRecent(ctx context.Context, userID string) ([]domain.Turn, error) {
	client, err := s.reconnectIfNeeded(ctx)
	if err != nil {
		return []domain.Turn{}, fmt.Errorf("repository: FetchRecent: %w", err)
	}

	raw, err := client.LRange(ctx, historyKey(userID), -domain.MaxHistoryTurns, -1).Result()
	if err != nil {
		s.invalidate(client, err)
		return []domain.Turn{}, fmt.Errorf("repository: FetchRecent lrange: %w", err)
	}

	turns, err := decodeTurns(raw)
	if err != nil {
		return []domain.Turn{}, fmt.Errorf("repository: FetchRecent: %w", err)
	}
	return turns, nil
}

// AppendTurns pushes turns to the tail and trims the list to the newest
// MaxHistoryTurns entries inside one MULTI/EXEC block.
func (s *RedisStore) AppendTurns(ctx context.Context, userID string, turns []domain.Turn) error {
	values, err := encodeTurns(turns)
	if err != nil {
		return fmt.Errorf("repository: AppendTurns: %w", err)
	}

	client, err := s.reconnectIfNeeded(ctx)
	if err != nil {
		return fmt.Errorf("repository: AppendTurns: %w", err)
	}

	key := historyKey(userID)
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(values) > 0 {
			args := make([]any, len(values))
			for i, v := range values {
				args[i] = v
			}
			pipe.RPush(ctx, key, args...)
		}
		pipe.LTrim(ctx, key, -domain.MaxHistoryTurns, -1)
		return nil
	})
	if err != nil {
		s.invalidate(client, err)
		return fmt.Errorf("repository: AppendTurns exec: %w", err)
	}
	return nil
}

// Close releases the current connection, if any.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.state = stateDisconnected
	return err
}

func (s *RedisStore) currentState() connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// reconnectIfNeeded returns a live client, dialing when the store is
// disconnected or failed. Callers arriving during a dial wait for its result
// instead of dialing again; each caller still honors its own ctx.
func (s *RedisStore) reconnectIfNeeded(ctx context.Context) (*redis.Client, error) {
	if client := s.liveClient(); client != nil {
		return client, nil
	}

	// The dial outlives any single caller; the client timeouts bound it.
	dialCtx := context.WithoutCancel(ctx)
	ch := s.dials.DoChan("dial", func() (any, error) {
		return s.dial(dialCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*redis.Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *RedisStore) liveClient() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateConnected {
		return s.client
	}
	return nil
}

func (s *RedisStore) dial(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	if s.state == stateConnected && s.client != nil {
		client := s.client
		s.mu.Unlock()
		return client, nil
	}
	stale, previous := s.client, s.state
	s.client = nil
	s.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	client := redis.NewClient(s.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		s.mu.Lock()
		s.state = stateFailed
		s.mu.Unlock()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.state = stateConnected
	s.mu.Unlock()

	if previous == stateFailed {
		s.logger.InfoContext(ctx, "redis connection restored", "addr", s.opts.Addr)
	} else {
		s.logger.DebugContext(ctx, "redis connected", "addr", s.opts.Addr)
	}
	return client, nil
}

// invalidate drops client after a connection-level error. A client that has
// already been replaced is left alone.
func (s *RedisStore) invalidate(client *redis.Client, err error) {
	if !isConnectionError(err) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != client {
		return
	}
	_ = s.client.Close()
	s.client = nil
	s.state = stateFailed
	s.logger.Warn("redis connection invalidated", "addr", s.opts.Addr, "error", err)
}

func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
