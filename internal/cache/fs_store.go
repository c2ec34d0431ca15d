package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
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
)

// NewStore 以 basePath 为根目录构建磁盘缓存。分区名不含 App 信息，调用方需为每个 App 传入独立目录。
func NewStore(basePath string) (Storage, error) {
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

// Locator 唯一定位分区内的一个条目，Path 为 URL 路径风格。
type Locator struct {
	Partition string
	Path      string
}

type entryMeta struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	StoredAt   time.Time   `json:"stored_at"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	existed, err := dirExists(dir)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	return dirExists(dir)
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	return filepath.Join(s.basePath, name), nil
}

// filePartition 是 fileStore 中的单个分区目录。
type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	locator, err := p.locate(req)
	if err != nil {
		return nil, err
	}
	base, err := p.entryPath(locator)
	if err != nil {
		return nil, err
	}

	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	// 不同 host 的同名路径会落在同一文件，需比对完整标识。
	if meta.URL != req.URL || meta.Method != normalizeMethod(req.Method) {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		StatusCode: meta.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func (p *filePartition) Put(ctx context.Context, req *Request, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	locator, err := p.locate(req)
	if err != nil {
		return err
	}
	unlock := p.store.lockEntry(locator)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	base, err := p.entryPath(locator)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}

	if err := writeAtomic(base+bodySuffix, resp.Body); err != nil {
		return err
	}

	meta := entryMeta{
		Method:     normalizeMethod(req.Method),
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		StoredAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeAtomic(base+metaSuffix, encoded)
}

func (p *filePartition) Delete(ctx context.Context, req *Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	locator, err := p.locate(req)
	if err != nil {
		return false, err
	}
	unlock := p.store.lockEntry(locator)
	defer unlock()

	base, err := p.entryPath(locator)
	if err != nil {
		return false, err
	}

	existed := true
	if err := os.Remove(base + metaSuffix); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]*Request, error) {
	var keys []*Request
	err := filepath.WalkDir(p.dir, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		meta, err := readMeta(filePath)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return fmt.Errorf("read %s: %w", filePath, err)
		}
		keys = append(keys, &Request{Method: meta.Method, URL: meta.URL, Header: http.Header{}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
	return keys, nil
}

// locate 将请求 URL 映射为分区内路径，query string 以 sha1 摘要落盘。
func (p *filePartition) locate(req *Request) (Locator, error) {
	if req == nil || req.URL == "" {
		return Locator{}, errors.New("request url required")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return Locator{}, fmt.Errorf("parse request url: %w", err)
	}
	clean := parsed.Path
	if parsed.RawQuery != "" {
		sum := sha1.Sum([]byte(parsed.RawQuery))
		clean = fmt.Sprintf("%s/__qs/%s", clean, hex.EncodeToString(sum[:]))
	}
	if method := normalizeMethod(req.Method); method != http.MethodGet {
		clean = "/__method/" + method + "/" + strings.TrimPrefix(clean, "/")
	}
	return Locator{Partition: p.name, Path: clean}, nil
}

// entryPath 返回条目的文件前缀（不含后缀），禁止逃逸出分区目录。
func (p *filePartition) entryPath(locator Locator) (string, error) {
	rel := locator.Path
	if rel == "" || rel == "/" {
		rel = "__root"
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "__root"
	}

	filePath := filepath.Join(p.dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, p.dir+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
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
	}
}

func writeAtomic(filePath string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func readMeta(filePath string) (entryMeta, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode cache meta: %w", err)
	}
	return meta, nil
}

func dirExists(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func normalizeMethod(method string) string {
	if method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(method)
}

func locatorKey(locator Locator) string {
	return locator.Partition + "::" + locator.Path
}
