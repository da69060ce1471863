package service

import (
	"context"
	"hash/fnv"
)

// KeyLocks 按实体键条带化的互斥表，获取时可被 ctx 取消
type KeyLocks struct {
	stripes []chan struct{}
}

// NewKeyLocks n 不小于并发数，避免无关实体互相阻塞
func NewKeyLocks(n int) *KeyLocks {
	if n < 1 {
		n = 1
	}
	s := make([]chan struct{}, n)
	for i := range s {
		s[i] = make(chan struct{}, 1)
	}
	return &KeyLocks{stripes: s}
}

func (k *KeyLocks) stripe(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return k.stripes[h.Sum32()%uint32(len(k.stripes))]
}

// Lock 阻塞直到获得 key 的锁或 ctx 结束
func (k *KeyLocks) Lock(ctx context.Context, key string) error {
	select {
	case k.stripe(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KeyLocks) Unlock(key string) { <-k.stripe(key) }
