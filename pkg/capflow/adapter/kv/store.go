// Package kv provides the key-value store adapter backing the scan-dedup
// index, the per-source work queues and the admission memory gate. The
// server's atomic per-key operations (set membership, batched membership
// tests, list pushes) stand in for client-side locking.
package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/capflow/capflow/pkg/capflow/core/config"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

// MemoryInfo describes the server's memory state as reported by INFO memory.
type MemoryInfo struct {
	// Used is the currently allocated memory in bytes.
	Used int64
	// Peak is the historical allocation peak in bytes.
	Peak int64
	// MaxMemory is the configured ceiling in bytes (0 means unlimited).
	MaxMemory int64
	// Ratio is Used/MaxMemory as a percentage, 0 when unlimited.
	Ratio float64
}

var (
	usedMemoryRe = regexp.MustCompile(`used_memory:(\d+)`)
	peakMemoryRe = regexp.MustCompile(`used_memory_peak:(\d+)`)
	maxMemoryRe  = regexp.MustCompile(`maxmemory:(\d+)`)
)

// Store wraps the go-redis client with the command surface the core uses.
type Store struct {
	client *goredis.Client
}

// NewStore connects to the configured server and applies the optional
// max-memory settings. Connection failure is returned to the caller; the
// client reconnects on its own afterwards.
func NewStore(cfg *config.Config) (*Store, error) {
	rc := cfg.Capflow.Redis
	client := goredis.NewClient(&goredis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to key-value store at %s: %w", rc.Addr, err)
	}

	if rc.MaxMemoryMB > 0 {
		maxBytes := int64(rc.MaxMemoryMB) * 1024 * 1024
		if err := client.ConfigSet(ctx, "maxmemory", strconv.FormatInt(maxBytes, 10)).Err(); err != nil {
			logger.Warnf("Failed to apply maxmemory setting: %v", err)
		}
		if rc.MaxMemoryPolicy != "" {
			if err := client.ConfigSet(ctx, "maxmemory-policy", rc.MaxMemoryPolicy).Err(); err != nil {
				logger.Warnf("Failed to apply maxmemory-policy setting: %v", err)
			}
		}
		logger.Infof("Key-value store configured: maxmemory=%dMB policy=%s", rc.MaxMemoryMB, rc.MaxMemoryPolicy)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests.
func NewStoreWithClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Close releases the client's connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// MemoryInfo queries and parses the server's memory section.
func (s *Store) MemoryInfo(ctx context.Context) (MemoryInfo, error) {
	raw, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return MemoryInfo{}, err
	}
	info := MemoryInfo{
		Used:      parseInfoInt(usedMemoryRe, raw),
		Peak:      parseInfoInt(peakMemoryRe, raw),
		MaxMemory: parseInfoInt(maxMemoryRe, raw),
	}
	if info.MaxMemory > 0 {
		info.Ratio = float64(info.Used) / float64(info.MaxMemory) * 100
	}
	return info, nil
}

func parseInfoInt(re *regexp.Regexp, raw string) int64 {
	m := re.FindStringSubmatch(raw)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// AddMembers adds members to a set. Adding an existing member is a no-op.
func (s *Store) AddMembers(ctx context.Context, key string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

// RemoveMembers removes members from a set. Missing members are ignored.
func (s *Store) RemoveMembers(ctx context.Context, key string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

// Membership tests every member against the set in one round trip using
// SMISMEMBER, falling back to pipelined SISMEMBER when the server predates
// the batched primitive.
func (s *Store) Membership(ctx context.Context, key string, members []string) ([]bool, error) {
	if len(members) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}

	exists, err := s.client.SMIsMember(ctx, key, args...).Result()
	if err == nil {
		return exists, nil
	}
	if !isUnknownCommand(err) {
		return nil, err
	}

	// SMISMEMBER requires 6.2; older servers get one SISMEMBER per member.
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.BoolCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.SIsMember(ctx, key, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	result := make([]bool, len(members))
	for i, cmd := range cmds {
		result[i] = cmd.Val()
	}
	return result, nil
}

func isUnknownCommand(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNKNOWN COMMAND")
}

// ScanMembers returns one page of set members starting at cursor. A returned
// cursor of 0 means the scan is exhausted.
func (s *Store) ScanMembers(ctx context.Context, key string, cursor uint64, count int64) ([]string, uint64, error) {
	return s.client.SScan(ctx, key, cursor, "", count).Result()
}

// KeysByPattern lists keys matching the glob pattern.
func (s *Store) KeysByPattern(ctx context.Context, pattern string) ([]string, error) {
	return s.client.Keys(ctx, pattern).Result()
}

// PushList appends payloads to the tail of a list.
func (s *Store) PushList(ctx context.Context, key string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	args := make([]interface{}, len(payloads))
	for i, p := range payloads {
		args[i] = p
	}
	return s.client.RPush(ctx, key, args...).Err()
}

// PushListWithMembers appends payloads to listKey and records the matching
// members in setKey as one pipelined batch, so a job can never be queued
// without its dedup fact. Per-item push failures are counted, not raised.
func (s *Store) PushListWithMembers(ctx context.Context, listKey, setKey string, payloads [][]byte, members []string) (pushed int, failed int, err error) {
	if len(payloads) != len(members) {
		return 0, 0, fmt.Errorf("payload/member count mismatch: %d != %d", len(payloads), len(members))
	}
	if len(payloads) == 0 {
		return 0, 0, nil
	}

	pipe := s.client.TxPipeline()
	pushCmds := make([]*goredis.IntCmd, len(payloads))
	for i := range payloads {
		pushCmds[i] = pipe.RPush(ctx, listKey, payloads[i])
		pipe.SAdd(ctx, setKey, members[i])
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return 0, len(payloads), err
	}
	for _, cmd := range pushCmds {
		if cmd.Err() != nil {
			failed++
		} else {
			pushed++
		}
	}
	return pushed, failed, nil
}

// PopList pops the head of a list without blocking. It returns ok=false when
// the list is empty.
func (s *Store) PopList(ctx context.Context, key string) (payload []byte, ok bool, err error) {
	res, err := s.client.LPop(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return res, true, nil
}

// ListLen reports the current length of a list.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

// PopListWait pops the head of the first non-empty list among keys, blocking
// up to timeout. It returns ok=false when the wait timed out with nothing to
// consume.
func (s *Store) PopListWait(ctx context.Context, keys []string, timeout time.Duration) (key string, payload []byte, ok bool, err error) {
	res, err := s.client.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil, false, nil
		}
		return "", nil, false, err
	}
	if len(res) != 2 {
		return "", nil, false, fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}
	return res[0], []byte(res[1]), true, nil
}
