// Package concurrency ограничивает число активных запусков генерации:
// не больше одного на пару (пользователь, вид задачи).
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	_ interfaces.ConcurrencyGate = (*MemoryGate)(nil)
	_ interfaces.ConcurrencyGate = (*RedisGate)(nil)
)

type slotKey struct {
	userID string
	kind   models.TaskKind
}

// MemoryGate - гейт в памяти процесса.
type MemoryGate struct {
	mu    sync.Mutex
	slots map[slotKey]time.Time
}

// NewMemoryGate создает пустой гейт.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{slots: make(map[slotKey]time.Time)}
}

func (g *MemoryGate) TryAcquire(ctx context.Context, userID string, kind models.TaskKind) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := slotKey{userID, kind}
	if _, busy := g.slots[key]; busy {
		return false, nil
	}
	g.slots[key] = time.Now()
	return true, nil
}

func (g *MemoryGate) Release(ctx context.Context, userID string, kind models.TaskKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.slots, slotKey{userID, kind})
	return nil
}

// Held сообщает, занят ли слот.
func (g *MemoryGate) Held(userID string, kind models.TaskKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.slots[slotKey{userID, kind}]
	return busy
}

// RedisGate - гейт, общий для нескольких инстансов сервиса.
// TTL ограничивает время жизни слота, если процесс упал, не освободив его.
type RedisGate struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedisGate создает гейт поверх Redis.
func NewRedisGate(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisGate {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisGate{
		client: client,
		ttl:    ttl,
		prefix: "generation_gate",
		logger: logger.Named("RedisGate"),
	}
}

func (g *RedisGate) key(userID string, kind models.TaskKind) string {
	return fmt.Sprintf("%s:%s:%s", g.prefix, kind, userID)
}

func (g *RedisGate) TryAcquire(ctx context.Context, userID string, kind models.TaskKind) (bool, error) {
	key := g.key(userID, kind)
	acquired, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		g.logger.Error("Failed to acquire gate slot", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("failed to acquire gate slot: %w", err)
	}
	g.logger.Debug("Gate acquire attempt", zap.String("key", key), zap.Bool("acquired", acquired))
	return acquired, nil
}

func (g *RedisGate) Release(ctx context.Context, userID string, kind models.TaskKind) error {
	key := g.key(userID, kind)
	if err := g.client.Del(ctx, key).Err(); err != nil {
		g.logger.Error("Failed to release gate slot", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to release gate slot: %w", err)
	}
	return nil
}
