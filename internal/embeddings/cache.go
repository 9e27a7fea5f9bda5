package embeddings

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/highlog/orchestrator/internal/circuitbreaker"
)

// EmbeddingCache is the shared-tier cache behind the in-process LRU.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

type lruNode struct {
	key        string
	vec        []float32
	expires    time.Time
	prev, next *lruNode
}

// LocalLRU is an in-process LRU with per-entry TTL. Entries form an
// intrusive doubly-linked list between head (most recent) and tail.
type LocalLRU struct {
	mu       sync.Mutex
	capacity int
	nodes    map[string]*lruNode
	head     *lruNode
	tail     *lruNode
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{
		capacity: capacity,
		nodes:    make(map[string]*lruNode, capacity),
	}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[key]
	if !ok {
		return nil, false
	}
	if !n.expires.After(time.Now()) {
		l.unlink(n)
		delete(l.nodes, key)
		return nil, false
	}
	l.moveToFront(n)
	return n.vec, true
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n, ok := l.nodes[key]; ok {
		n.vec = v
		n.expires = time.Now().Add(ttl)
		l.moveToFront(n)
		return
	}

	n := &lruNode{key: key, vec: v, expires: time.Now().Add(ttl)}
	l.nodes[key] = n
	l.pushFront(n)

	if len(l.nodes) > l.capacity {
		evicted := l.tail
		l.unlink(evicted)
		delete(l.nodes, evicted.key)
	}
}

func (l *LocalLRU) pushFront(n *lruNode) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
}

func (l *LocalLRU) unlink(n *lruNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (l *LocalLRU) moveToFront(n *lruNode) {
	if l.head == n {
		return
	}
	l.unlink(n)
	l.pushFront(n)
}

// RedisCache is the shared tier, reached through the breaker-wrapped client.
// Vectors are stored as little-endian float32 bytes.
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	wrapper := circuitbreaker.NewRedisWrapper(client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: wrapper}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	vec, ok := unpackVector(b)
	return vec, ok
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	// cache writes are best effort
	_ = r.cli.Set(ctx, key, packVector(v), ttl).Err()
}

// Ping verifies Redis connectivity, used by readiness checks.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func packVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func unpackVector(b []byte) ([]float32, bool) {
	if len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}

// MakeKey builds a cache key from the model and input text.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
