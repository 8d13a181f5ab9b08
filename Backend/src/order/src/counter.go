package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StockCounter es el contrato del contador rapido de stock. Decrease resta y
// devuelve el restante en la misma operacion indivisible: ninguna ventana
// read-then-write observable entre llamadores. Un restante negativo significa
// sobreventa y lo interpreta el llamador, no este componente. El contador no
// escribe nada durable y queda fuera de toda transaccion relacional: su
// atomicidad no serializa contra el lock manager de la base.
type StockCounter interface {
	Decrease(ctx context.Context, productID int64, qty int32) (int64, error)
	Increase(ctx context.Context, productID int64, qty int32) (int64, error)
}

// SeedFunc lee el stock durable para sembrar la entrada del contador la
// primera vez que se toca un producto.
type SeedFunc func(ctx context.Context, productID int64) (int64, error)

// ---- redis ----

// RedisCounter lleva el contador en redis (INCRBY/DECRBY ya devuelven el
// nuevo valor de forma atomica).
type RedisCounter struct {
	rdb  *redis.Client
	seed SeedFunc
}

func NewRedisCounter(addr string, seed SeedFunc) *RedisCounter {
	return &RedisCounter{
		rdb:  redis.NewClient(&redis.Options{Addr: addr}),
		seed: seed,
	}
}

func (c *RedisCounter) Close() error { return c.rdb.Close() }

func counterKey(productID int64) string { return fmt.Sprintf("stock:%d", productID) }

// ensure siembra la clave si no existe. SETNX garantiza que dos primeras
// lecturas concurrentes converjan en una sola siembra.
func (c *RedisCounter) ensure(ctx context.Context, productID int64) error {
	n, err := c.rdb.Exists(ctx, counterKey(productID)).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	initial, err := c.seed(ctx, productID)
	if err != nil {
		return err
	}
	return c.rdb.SetNX(ctx, counterKey(productID), initial, 0).Err()
}

func (c *RedisCounter) Decrease(ctx context.Context, productID int64, qty int32) (int64, error) {
	if err := c.ensure(ctx, productID); err != nil {
		return 0, err
	}
	return c.rdb.DecrBy(ctx, counterKey(productID), int64(qty)).Result()
}

func (c *RedisCounter) Increase(ctx context.Context, productID int64, qty int32) (int64, error) {
	if err := c.ensure(ctx, productID); err != nil {
		return 0, err
	}
	return c.rdb.IncrBy(ctx, counterKey(productID), int64(qty)).Result()
}

// ---- memoria ----

// MemCounter: misma semantica dentro del proceso. Backend por defecto en
// desarrollo y en pruebas. Un solo mutex basta: las operaciones son
// restas sobre un map, el costo esta en otro lado.
type MemCounter struct {
	mu     sync.Mutex
	counts map[int64]int64
	seeded map[int64]bool
	seed   SeedFunc
}

func NewMemCounter(seed SeedFunc) *MemCounter {
	return &MemCounter{
		counts: make(map[int64]int64),
		seeded: make(map[int64]bool),
		seed:   seed,
	}
}

func (c *MemCounter) apply(ctx context.Context, productID int64, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seeded[productID] {
		var initial int64
		if c.seed != nil {
			v, err := c.seed(ctx, productID)
			if err != nil {
				return 0, err
			}
			initial = v
		}
		c.counts[productID] = initial
		c.seeded[productID] = true
	}
	c.counts[productID] += delta
	return c.counts[productID], nil
}

func (c *MemCounter) Decrease(ctx context.Context, productID int64, qty int32) (int64, error) {
	return c.apply(ctx, productID, -int64(qty))
}

func (c *MemCounter) Increase(ctx context.Context, productID int64, qty int32) (int64, error) {
	return c.apply(ctx, productID, int64(qty))
}

// Remaining lee el valor actual sin tocarlo (0 si nunca se sembro).
func (c *MemCounter) Remaining(productID int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[productID]
}
