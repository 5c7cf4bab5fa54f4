package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"KittyMarket-Chain/pkg/logger"
)

const (
	// DefaultEndpoint 返回 DOT 的美元价格。
	DefaultEndpoint = "https://min-api.cryptocompare.com/data/price?fsym=DOT&tsyms=USD"
	// DefaultFetchTimeout 是一次价格请求的最长耗时。
	DefaultFetchTimeout = 2 * time.Second
)

// PriceFetcher 从外部获取价格（美分）。拿不到价格时返回 false。
type PriceFetcher interface {
	FetchPrice(ctx context.Context) (uint32, bool)
}

// HTTPFetcher 通过 HTTP 获取 cryptocompare 风格的价格。
type HTTPFetcher struct {
	endpoint string
	symbol   string
	timeout  time.Duration
	client   *http.Client
	log      *slog.Logger
}

// HTTPFetcherOption 定义可选配置。
type HTTPFetcherOption func(*HTTPFetcher)

// WithHTTPClient 替换默认 HTTP 客户端。
func WithHTTPClient(client *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithSymbol 指定响应中价格字段的名称。
func WithSymbol(symbol string) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		if symbol = strings.TrimSpace(symbol); symbol != "" {
			f.symbol = symbol
		}
	}
}

// NewHTTPFetcher 构造 HTTPFetcher。
func NewHTTPFetcher(endpoint string, timeout time.Duration, opts ...HTTPFetcherOption) *HTTPFetcher {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	f := &HTTPFetcher{
		endpoint: endpoint,
		symbol:   "USD",
		timeout:  timeout,
		client:   &http.Client{},
		log:      logger.Named("oracle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// FetchPrice 实现 PriceFetcher。任何网络、超时、状态码或解析错误都视为本轮没有价格。
func (f *HTTPFetcher) FetchPrice(ctx context.Context) (uint32, bool) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		f.log.Warn("构建价格请求失败", slog.Any("error", err))
		return 0, false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("价格请求失败", slog.Any("error", err))
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.log.Warn("价格接口返回异常状态", slog.Int("status", resp.StatusCode))
		return 0, false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		f.log.Warn("读取价格响应失败", slog.Any("error", err))
		return 0, false
	}
	price, err := ParsePrice(body, f.symbol)
	if err != nil {
		f.log.Warn("无法解析价格", slog.Any("error", err), slog.String("body", string(body)))
		return 0, false
	}
	f.log.Debug("获取到价格", slog.Uint64("cents", uint64(price)))
	return price, true
}

// ParsePrice 从 {"USD": 6.12} 形式的响应中读出价格并换算为美分。
// 超过两位的小数被截断。
func ParsePrice(body []byte, symbol string) (uint32, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode price: %w", err)
	}
	raw, ok := payload[symbol]
	if !ok {
		return 0, fmt.Errorf("field %q missing", symbol)
	}
	number, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("field %q is not a number", symbol)
	}
	return centsOf(number.String())
}

func centsOf(number string) (uint32, error) {
	if strings.ContainsAny(number, "eE-+") {
		return 0, fmt.Errorf("unsupported number %q", number)
	}
	integer, fraction, _ := strings.Cut(number, ".")
	whole, err := strconv.ParseUint(integer, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse integer part: %w", err)
	}
	fraction = (fraction + "00")[:2]
	cents, err := strconv.ParseUint(fraction, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse fraction: %w", err)
	}
	total := whole*100 + cents
	if whole > math.MaxUint32/100 || total > math.MaxUint32 {
		return 0, fmt.Errorf("price %s out of range", number)
	}
	return uint32(total), nil
}
