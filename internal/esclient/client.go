// Package esclient 封装 Elasticsearch 兼容的索引 HTTP 接口。
//
// 调用方只依赖 Client 接口，测试可以替换为脚本化的假实现（注入 429、连接拒绝、bulk 部分成功等）。
package esclient

import (
	"context"
	"errors"
	"fmt"
)

// Client 索引端窄接口
type Client interface {
	// Put 幂等写入 PUT {index}/_doc/{id}
	Put(ctx context.Context, index, id string, doc []byte) error
	// Delete 删除文档；404 以 *StatusError 返回，由调用方决定是否视为幂等空操作
	Delete(ctx context.Context, index, id string) error
	// Bulk POST /_bulk，返回逐项结果
	Bulk(ctx context.Context, index string, body []byte) (*BulkResponse, error)
	// EnsureIndex PUT {index}，已存在视为成功
	EnsureIndex(ctx context.Context, index string) error
	Ping(ctx context.Context) error
}

// ErrCircuitOpen 熔断器打开，请求未发出
var ErrCircuitOpen = errors.New("index circuit breaker open")

// StatusError 索引端返回非 2xx
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("index %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("index %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// TransportError 请求未拿到响应（连接、超时、熔断）
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("index %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// IsNotFound 判断是否为 404
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == 404
}
