package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Store 负责管理命名缓存的读写，语义对齐浏览器 CacheStorage：
//
//	Open(name)            # 惰性创建命名缓存
//	Match/Put/Remove      # 以 URL 为键读写完整响应
//
// 条目只会被显式写入，本层不做 TTL 与容量淘汰。
type Store interface {
	// Open 打开（必要时创建）命名缓存，重复调用是幂等的。
	Open(ctx context.Context, name string) error

	// Match 返回 URL 对应的缓存响应。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, locator Locator) (*Entry, error)

	// Put 将响应写入缓存并覆盖同一 URL 的旧条目。目标缓存必须已 Open，
	// 否则返回 ErrCacheNotOpen。
	Put(ctx context.Context, locator Locator, record Record) (*Entry, error)

	// Remove 删除单个条目，条目不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// Keys 按字典序列出命名缓存中的全部 URL。
	Keys(ctx context.Context, name string) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Locator 唯一定位一个缓存条目（缓存名 + 同源 URL，含查询串）。
type Locator struct {
	CacheName string
	URL       string
}

// Record 是被缓存的完整响应。
type Record struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Locator   Locator `json:"locator"`
	Record    Record  `json:"record"`
	SizeBytes int64   `json:"size_bytes"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheNotOpen 表示写入了一个从未 Open 的命名缓存。
	ErrCacheNotOpen = errors.New("cache not opened")
	// ErrInvalidLocator 表示缓存名或 URL 为空。
	ErrInvalidLocator = errors.New("invalid cache locator")
)

func validateLocator(locator Locator) error {
	if locator.CacheName == "" || locator.URL == "" {
		return ErrInvalidLocator
	}
	return nil
}

func cloneRecord(record Record) Record {
	out := Record{
		Status:   record.Status,
		Header:   record.Header.Clone(),
		StoredAt: record.StoredAt,
	}
	if record.Body != nil {
		out.Body = append([]byte(nil), record.Body...)
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}
