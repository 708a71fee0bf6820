package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"

	// matchAttempts 是读到正在重写的条目时的重读次数。
	matchAttempts = 3
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileMeta 是 .meta 旁路文件的内容，正文单独存放在 .body 中。
// BodySHA256 把两者绑定，读到新旧混合的一对文件时可以识别出来。
type fileMeta struct {
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	StoredAt   time.Time   `json:"stored_at"`
	BodySize   int64       `json:"body_size"`
	BodySHA256 string      `json:"body_sha256"`
}

func (s *fileStore) Open(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) Match(ctx context.Context, locator Locator) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	base, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	// Match 不加锁，并发 Put 可能在两次读取之间替换 .body/.meta，校验不一致时重读。
	for attempt := 0; attempt < matchAttempts; attempt++ {
		meta, err := readMeta(base + metaSuffix)
		if err != nil {
			return nil, err
		}

		body, err := os.ReadFile(base + bodySuffix)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		if !meta.matches(body) {
			continue
		}

		header := meta.Header
		if header == nil {
			header = http.Header{}
		}
		return &Entry{
			Locator: locator,
			Record: Record{
				Status:   meta.Status,
				Header:   header,
				Body:     body,
				StoredAt: meta.StoredAt,
			},
			SizeBytes: int64(len(body)),
		}, nil
	}
	return nil, fmt.Errorf("%w: entry %s is being rewritten", ErrNotFound, locator.URL)
}

func (m fileMeta) matches(body []byte) bool {
	if int64(len(body)) != m.BodySize {
		return false
	}
	return m.BodySHA256 == bodyDigest(body)
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (s *fileStore) Put(ctx context.Context, locator Locator, record Record) (*Entry, error) {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	dir, err := s.cacheDir(locator.CacheName)
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrCacheNotOpen, locator.CacheName)
	}

	base, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, err
	}

	record = cloneRecord(record)
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}

	written, err := writeAtomic(ctx, base+bodySuffix, bytesReader(record.Body))
	if err != nil {
		return nil, err
	}

	metaBytes, err := json.Marshal(fileMeta{
		URL:        locator.URL,
		Status:     record.Status,
		Header:     record.Header,
		StoredAt:   record.StoredAt,
		BodySize:   int64(len(record.Body)),
		BodySHA256: bodyDigest(record.Body),
	})
	if err != nil {
		return nil, err
	}
	if _, err := writeAtomic(ctx, base+metaSuffix, bytesReader(metaBytes)); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:   locator,
		Record:    record,
		SizeBytes: written,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return err
	}
	defer unlock()

	base, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, name string) ([]string, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}

	var keys []string
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		meta, err := readMeta(p)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		keys = append(keys, meta.URL)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) cacheDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: cache name %q", ErrInvalidLocator, name)
	}
	return filepath.Join(s.basePath, name), nil
}

// entryPath 返回不带后缀的条目路径。"/" 映射为 @root，目录型 URL 追加 @index，
// 查询串折叠为 @q-<sha1 前缀>，避免不同 URL 落到同一文件。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	if err := validateLocator(locator); err != nil {
		return "", err
	}
	dir, err := s.cacheDir(locator.CacheName)
	if err != nil {
		return "", err
	}

	parsed, err := url.Parse(locator.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}

	// 使用转义形式，/a%2Fb 与 /a/b 不会映射到同一文件
	raw := parsed.EscapedPath()
	rel := path.Clean("/" + raw)
	rel = strings.TrimPrefix(rel, "/")
	switch {
	case rel == "":
		rel = "@root"
	case strings.HasSuffix(raw, "/"):
		rel += "/@index"
	}
	if parsed.RawQuery != "" {
		sum := sha1.Sum([]byte(parsed.RawQuery))
		rel += "@q-" + hex.EncodeToString(sum[:])[:16]
	}

	filePath := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, dir+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func readMeta(metaPath string) (fileMeta, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileMeta{}, ErrNotFound
		}
		return fileMeta{}, err
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fileMeta{}, fmt.Errorf("decode cache meta %s: %w", metaPath, err)
	}
	return meta, nil
}

// writeAtomic 通过临时文件 + rename 保证写入原子性，并在失败时清理临时文件。
func writeAtomic(ctx context.Context, target string, src io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, src)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func locatorKey(locator Locator) string {
	return locator.CacheName + "::" + locator.URL
}
