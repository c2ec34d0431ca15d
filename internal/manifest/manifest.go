// Package manifest loads the resource manifest a packaged front-end build
// ships with: the table of logical resource paths to content fingerprints and
// the ordered list of shell files required for first paint.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// RootPath 是站点根（文档资源）的哨兵键。
const RootPath = "/"

// ErrInvalid 表示清单内容不满足约束。
var ErrInvalid = errors.New("invalid resource manifest")

// Resources 是逻辑路径到指纹的映射。
type Resources map[string]string

// Manifest 描述一个构建版本的资源表与壳文件列表，运行期只读。
type Manifest struct {
	Resources Resources `json:"resources"`
	Core      []string  `json:"core"`
}

// Load 从 JSON 文件读取清单并校验。
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw)
}

// Parse 解析清单 JSON 并校验。
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate 要求资源表非空、指纹非空且壳文件均在资源表内。
func (m *Manifest) Validate() error {
	if m == nil || len(m.Resources) == 0 {
		return fmt.Errorf("%w: resources empty", ErrInvalid)
	}
	for p, fp := range m.Resources {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty resource path", ErrInvalid)
		}
		if strings.TrimSpace(fp) == "" {
			return fmt.Errorf("%w: empty fingerprint for %s", ErrInvalid, p)
		}
	}
	seen := make(map[string]struct{}, len(m.Core))
	for _, p := range m.Core {
		if _, ok := m.Resources[p]; !ok {
			return fmt.Errorf("%w: core path %s missing from resources", ErrInvalid, p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate core path %s", ErrInvalid, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Has 判断逻辑路径是否在资源表中。
func (m *Manifest) Has(path string) bool {
	_, ok := m.Resources[path]
	return ok
}

// Fingerprint 返回路径对应的指纹。
func (m *Manifest) Fingerprint(path string) (string, bool) {
	fp, ok := m.Resources[path]
	return fp, ok
}

// Paths 返回排序后的全部资源路径。
func (m *Manifest) Paths() []string {
	return m.Resources.Paths()
}

// Paths 返回排序后的全部资源路径。
func (r Resources) Paths() []string {
	paths := make([]string, 0, len(r))
	for p := range r {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// IsCore 判断路径是否为壳文件。
func (m *Manifest) IsCore(path string) bool {
	for _, p := range m.Core {
		if p == path {
			return true
		}
	}
	return false
}

// EncodeResources 序列化资源表，作为 manifest 分区中唯一条目的正文。
func EncodeResources(r Resources) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResources 解析此前持久化的资源表。
func DecodeResources(raw []byte) (Resources, error) {
	var r Resources
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode persisted manifest: %w", err)
	}
	if r == nil {
		r = Resources{}
	}
	return r, nil
}

// Stale 判断缓存中的 path 在升级后是否应被淘汰：新清单已移除，或指纹与旧清单不一致。
func Stale(previous, current Resources, path string) bool {
	fp, ok := current[path]
	if !ok {
		return true
	}
	return fp != previous[path]
}
