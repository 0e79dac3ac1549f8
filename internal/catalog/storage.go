package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/catalogcast/catalog-server/internal/pkg/errors"
)

// Storage is the interface for product persistence.
type Storage interface {
	// Save inserts or replaces a product.
	Save(ctx context.Context, p *Product) error

	// Load returns a product by id, or a NOT_FOUND error.
	Load(ctx context.Context, id string) (*Product, error)

	// LoadAll returns every product.
	LoadAll(ctx context.Context) ([]*Product, error)

	// Delete removes a product, returning NOT_FOUND when it does not exist.
	Delete(ctx context.Context, id string) error
}

// MemoryStorage keeps products in process memory.
type MemoryStorage struct {
	products map[string]*Product
	mu       sync.RWMutex
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		products: make(map[string]*Product),
	}
}

func (m *MemoryStorage) Save(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryStorage) Load(_ context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return nil, errors.NotFoundError("product")
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStorage) LoadAll(_ context.Context) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := make([]*Product, 0, len(m.products))
	for _, p := range m.products {
		cp := *p
		products = append(products, &cp)
	}
	return products, nil
}

func (m *MemoryStorage) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[id]; !ok {
		return errors.NotFoundError("product")
	}
	delete(m.products, id)
	return nil
}

// DefaultRedisKey is the hash holding the catalog.
const DefaultRedisKey = "catalog:products"

// RedisStorage keeps products in a Redis hash keyed by product id, so
// every instance of a fleet reads the same catalog.
type RedisStorage struct {
	client *redis.Client
	key    string
}

// NewRedisStorage connects to url and verifies the connection.
func NewRedisStorage(ctx context.Context, url string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid storage redis url", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, DefaultRedisKey), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, key string) *RedisStorage {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStorage{client: client, key: key}
}

func (r *RedisStorage) Save(ctx context.Context, p *Product) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, p.ID, data).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", p.ID, err)
	}
	return nil
}

func (r *RedisStorage) Load(ctx context.Context, id string) (*Product, error) {
	data, err := r.client.HGet(ctx, r.key, id).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFoundError("product")
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s: %w", id, err)
	}

	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product %s: %w", id, err)
	}
	return &p, nil
}

func (r *RedisStorage) LoadAll(ctx context.Context) ([]*Product, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	products := make([]*Product, 0, len(all))
	for id, raw := range all {
		var p Product
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal product %s: %w", id, err)
		}
		products = append(products, &p)
	}
	return products, nil
}

func (r *RedisStorage) Delete(ctx context.Context, id string) error {
	n, err := r.client.HDel(ctx, r.key, id).Result()
	if err != nil {
		return fmt.Errorf("hdel %s: %w", id, err)
	}
	if n == 0 {
		return errors.NotFoundError("product")
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// sortProducts orders by creation time, then id.
func sortProducts(products []*Product) {
	sort.Slice(products, func(i, j int) bool {
		if !products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].CreatedAt.Before(products[j].CreatedAt)
		}
		return products[i].ID < products[j].ID
	})
}
