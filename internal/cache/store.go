package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Storage 管理一组具名分区（staging/content/manifest），磁盘布局遵循：
//
//	<basePath>/<partition>/<path>.body    # 响应正文
//	<basePath>/<partition>/<path>.meta    # 请求标识 + 状态码 + 响应头（JSON）
//
// 分区之间相互独立，可被整体删除。
type Storage interface {
	// Open 打开指定分区，不存在时自动创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Delete 整体删除分区，返回删除前该分区是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)
}

// Partition 是以请求标识（method + URL）为键、完整响应为值的存储。
type Partition interface {
	Name() string

	// Match 返回与请求匹配的响应副本，不存在时返回 ErrNotFound。
	Match(ctx context.Context, req *Request) (*Response, error)

	// Put 写入（或覆盖）请求对应的响应。实现需保证写入原子性。
	Put(ctx context.Context, req *Request, resp *Response) error

	// Delete 删除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, req *Request) (bool, error)

	// Keys 返回分区内全部请求标识，按 URL 排序。
	Keys(ctx context.Context) ([]*Request, error)
}

// Request 唯一定位一个缓存条目。URL 必须是绝对地址。
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// NewRequest 构造不带请求头的 Request，method 为空时视为 GET。
func NewRequest(method, rawURL string) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    rawURL,
		Header: http.Header{},
	}
}

// Key 返回 method + URL 形式的请求标识。
func (r *Request) Key() string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + r.URL
}

// Response 是缓存或网络返回的完整响应。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK 与 fetch API 的 response.ok 语义一致：2xx 视为成功。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// Clone 深拷贝响应，写入缓存与返回调用方时各持一份。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
	}
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return cloned
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidPartition 表示分区名称不合法（为空或包含路径分隔符）。
var ErrInvalidPartition = errors.New("invalid cache partition name")
