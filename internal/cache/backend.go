package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// NewBackend 根据 StoreBackend 配置构建缓存实例：fs 直接落盘到 basePath，
// badger 使用 basePath/badger 作为数据目录。
func NewBackend(kind, basePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "fs":
		return NewStore(basePath)
	case "badger":
		if basePath == "" {
			return nil, fmt.Errorf("storage path required")
		}
		return NewBadgerStore(BadgerOptions{Dir: filepath.Join(basePath, "badger")})
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}
