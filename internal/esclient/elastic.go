package esclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxErrorBody = 2048

// Config 索引客户端配置
type Config struct {
	URL     string
	Timeout time.Duration
	// MaxRPS <= 0 表示不限速
	MaxRPS float64
	// 熔断：连续失败次数达到阈值后打开，OpenTimeout 后半开探测
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
	Transport          http.RoundTripper
	Logger             *zap.Logger
}

type elasticClient struct {
	es      *elasticsearch.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

// New 基于 go-elasticsearch 构建 Client；内置重试关闭，重试由 outbox 策略统一负责
func New(cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("index url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{cfg.URL},
		Transport:    cfg.Transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "search-index",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("index circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	c := &elasticClient{es: es, breaker: breaker, timeout: cfg.Timeout}
	if cfg.MaxRPS > 0 {
		burst := int(cfg.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	return c, nil
}

type rawResponse struct {
	status int
	body   []byte
}

// do 执行一次请求：限速 -> 超时 -> 熔断。429/5xx 与传输错误计入熔断失败
func (c *elasticClient) do(ctx context.Context, op string, req esapi.Request) (*rawResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		res, err := req.Do(reqCtx, c.es)
		if err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
		}
		raw := &rawResponse{status: res.StatusCode, body: body}
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return raw, statusError(op, raw)
		}
		return raw, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)}
	}
	if err != nil {
		return nil, err
	}
	return out.(*rawResponse), nil
}

func statusError(op string, raw *rawResponse) *StatusError {
	body := string(raw.body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &StatusError{Op: op, StatusCode: raw.status, Body: body}
}

func (c *elasticClient) Put(ctx context.Context, index, id string, doc []byte) error {
	raw, err := c.do(ctx, "put", esapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(doc),
	})
	if err != nil {
		return err
	}
	if raw.status < 200 || raw.status > 299 {
		return statusError("put", raw)
	}
	return nil
}

func (c *elasticClient) Delete(ctx context.Context, index, id string) error {
	raw, err := c.do(ctx, "delete", esapi.DeleteRequest{Index: index, DocumentID: id})
	if err != nil {
		return err
	}
	if raw.status < 200 || raw.status > 299 {
		return statusError("delete", raw)
	}
	return nil
}

func (c *elasticClient) Bulk(ctx context.Context, index string, body []byte) (*BulkResponse, error) {
	raw, err := c.do(ctx, "bulk", esapi.BulkRequest{Index: index, Body: bytes.NewReader(body)})
	if err != nil {
		return nil, err
	}
	if raw.status < 200 || raw.status > 299 {
		return nil, statusError("bulk", raw)
	}
	var resp BulkResponse
	if err := json.Unmarshal(raw.body, &resp); err != nil {
		// 响应体无法解析，按 items 缺失处理
		return &BulkResponse{}, nil
	}
	return &resp, nil
}

func (c *elasticClient) EnsureIndex(ctx context.Context, index string) error {
	raw, err := c.do(ctx, "ensure_index", esapi.IndicesCreateRequest{Index: index})
	if err != nil {
		return err
	}
	if raw.status >= 200 && raw.status <= 299 {
		return nil
	}
	if raw.status == http.StatusBadRequest && bytes.Contains(raw.body, []byte("resource_already_exists_exception")) {
		return nil
	}
	return statusError("ensure_index", raw)
}

func (c *elasticClient) Ping(ctx context.Context) error {
	raw, err := c.do(ctx, "ping", esapi.PingRequest{})
	if err != nil {
		return err
	}
	if raw.status < 200 || raw.status > 299 {
		return statusError("ping", raw)
	}
	return nil
}
