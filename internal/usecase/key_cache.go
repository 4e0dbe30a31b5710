package usecase

import (
	"sync"
	"time"
)

const (
	// DefaultKeyCacheTTL はキャッシュエントリの既定有効期間。
	DefaultKeyCacheTTL = 5 * time.Minute
	// DefaultKeyCacheMaxSize はキャッシュの既定最大エントリ数。
	DefaultKeyCacheMaxSize = 1000
)

type cacheEntry struct {
	material  []byte
	expiresAt time.Time
}

// KeyCache はアンラップ済み鍵素材のプロセス内キャッシュ。
// 遅延的に充填され、ローテーション時にInvalidateで全消去される。
// 他プロセスによる帯域外の失効が観測されるまでの時間はTTLが上限づける。
type KeyCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	maxSize int
}

// NewKeyCache はKeyCacheを生成する。ttl・maxSizeが0以下の場合は既定値を使う。
func NewKeyCache(ttl time.Duration, maxSize int) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultKeyCacheMaxSize
	}
	return &KeyCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get は鍵素材のコピーを返す。期限切れのエントリはゼロ化して削除する。
func (c *KeyCache) Get(keyID string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[keyID]
	if ok && time.Now().Before(entry.expiresAt) {
		material := make([]byte, len(entry.material))
		copy(material, entry.material)
		c.mu.RUnlock()
		return material, true
	}
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	if e, exists := c.entries[keyID]; exists && !time.Now().Before(e.expiresAt) {
		clearBytes(e.material)
		delete(c.entries, keyID)
	}
	c.mu.Unlock()
	return nil, false
}

// Set は鍵素材を登録する。容量超過時は期限切れ、次いで最も古いエントリを追い出す。
// 素材はコピーして保持するため、呼び出し元のスライスを変更しても影響しない。
func (c *KeyCache) Set(keyID string, material []byte) {
	stored := make([]byte, len(material))
	copy(stored, material)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[keyID]; ok {
		clearBytes(old.material)
	} else if len(c.entries) >= c.maxSize {
		c.evictExpiredLocked()
		if len(c.entries) >= c.maxSize {
			c.evictOldestLocked()
		}
	}
	c.entries[keyID] = cacheEntry{
		material:  stored,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate は全エントリをゼロ化して消去する。ローテーション直後に呼ばれ、
// 以後の鍵解決が新しいACTIVE鍵を取得することを保証する。
func (c *KeyCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		clearBytes(e.material)
		delete(c.entries, id)
	}
}

// Len は現在のエントリ数を返す。
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *KeyCache) evictExpiredLocked() {
	now := time.Now()
	for id, e := range c.entries {
		if now.After(e.expiresAt) {
			clearBytes(e.material)
			delete(c.entries, id)
		}
	}
}

func (c *KeyCache) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range c.entries {
		if oldestID == "" || e.expiresAt.Before(oldest) {
			oldestID = id
			oldest = e.expiresAt
		}
	}
	if oldestID != "" {
		clearBytes(c.entries[oldestID].material)
		delete(c.entries, oldestID)
	}
}

// clearBytes は鍵素材をゼロ化する。
func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
