// Package alerting 把需要人工介入的故障推送到日志和 webhook。
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/pkg/logger"
)

// Channel 标识通知渠道。
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// ErrThrottled 表示 webhook 超出发送速率，本次告警只写日志。
var ErrThrottled = errors.New("alert throttled")

// Event 是一次告警的内容。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Subject    string            `json:"subject"`
	Block      uint64            `json:"block"`
	Attempts   int               `json:"attempts"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 把事件送到某个渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 接收告警事件。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 并发通知每个渠道，同一渠道只保留最后注册的通知器。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 忽略 nil 通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	d := &FanoutDispatcher{notifiers: make(map[Channel]Notifier, len(notifiers))}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers[n.Channel()] = n
		}
	}
	return d
}

// Notify 等待所有渠道返回，并合并各渠道的错误。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for channel, n := range d.notifiers {
		g.Go(func() error {
			if err := n.Notify(ctx, event); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("channel %s: %w", channel, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// LogNotifier 以 error 级别写应用日志，元数据按键排序展开。
type LogNotifier struct{}

func (LogNotifier) Channel() Channel { return ChannelLog }

func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("subject", event.Subject),
		slog.Uint64("block", event.Block),
		slog.Int("attempts", event.Attempts),
	}
	for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
		attrs = append(attrs, slog.String(k, event.Metadata[k]))
	}
	logger.Named("alerting").Error(event.Message, attrs...)
	return nil
}

// WebhookNotifier 把事件以 JSON POST 到 URL。Limiter 非空时超出速率的告警返回 ErrThrottled。
type WebhookNotifier struct {
	URL     string
	Client  *http.Client
	Limiter *rate.Limiter
}

// NewWebhookNotifier 创建每分钟最多发送 perMinute 次的 webhook，perMinute 非正时不限速。
func NewWebhookNotifier(url string, timeout time.Duration, perMinute int) *WebhookNotifier {
	n := &WebhookNotifier{URL: url, Client: &http.Client{Timeout: timeout}}
	if perMinute > 0 {
		n.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return n
}

func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		return nil
	}
	if n.Limiter != nil && !n.Limiter.Allow() {
		return ErrThrottled
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s: status %d", n.URL, resp.StatusCode)
	}
	return nil
}
