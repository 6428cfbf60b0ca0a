package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// BotAPI 是会话处理器依赖的 Bot API 子集。
// 所有方法在任何传输或 API 错误时返回 nil/false，并记录日志，不返回错误。
type BotAPI interface {
	SendMessage(ctx context.Context, req SendMessageRequest) *Message
	EditMessageText(ctx context.Context, req EditMessageTextRequest) *Message
	EditMessageReplyMarkup(ctx context.Context, req EditMessageReplyMarkupRequest) *Message
	DeleteMessage(ctx context.Context, chatID, messageID int64) bool
	AnswerCallbackQuery(ctx context.Context, req AnswerCallbackQueryRequest) bool
}

// Client Telegram Bot API HTTP 客户端
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

var _ BotAPI = (*Client)(nil)

// NewClient 创建客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultConfig().BaseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   config.Token,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// call 以 JSON 方式调用 Bot API 方法，result 可为 nil
func (c *Client) call(ctx context.Context, method string, body interface{}, result interface{}) error {
	if c.token == "" {
		return fmt.Errorf("telegram bot token is not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	c.logger.Debugf("Telegram API %s -> %d %s", method, resp.StatusCode, string(raw))

	var envelope struct {
		apiResponse
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode %s response [%d]: %w", method, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.OK {
		return fmt.Errorf("telegram %s error [%d]: %s", method, resp.StatusCode, envelope.Description)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) *Message {
	var msg Message
	if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
		c.logger.WithField("chat_id", req.ChatID).Errorf("telegram sendMessage: %v", err)
		return nil
	}
	return &msg
}

func (c *Client) EditMessageText(ctx context.Context, req EditMessageTextRequest) *Message {
	var msg Message
	if err := c.call(ctx, "editMessageText", req, &msg); err != nil {
		c.logger.WithField("chat_id", req.ChatID).Errorf("telegram editMessageText: %v", err)
		return nil
	}
	return &msg
}

func (c *Client) EditMessageReplyMarkup(ctx context.Context, req EditMessageReplyMarkupRequest) *Message {
	var msg Message
	if err := c.call(ctx, "editMessageReplyMarkup", req, &msg); err != nil {
		c.logger.WithField("chat_id", req.ChatID).Errorf("telegram editMessageReplyMarkup: %v", err)
		return nil
	}
	return &msg
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) bool {
	if err := c.call(ctx, "deleteMessage", DeleteMessageRequest{ChatID: chatID, MessageID: messageID}, nil); err != nil {
		c.logger.WithField("chat_id", chatID).Errorf("telegram deleteMessage: %v", err)
		return false
	}
	return true
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, req AnswerCallbackQueryRequest) bool {
	if err := c.call(ctx, "answerCallbackQuery", req, nil); err != nil {
		c.logger.Errorf("telegram answerCallbackQuery: %v", err)
		return false
	}
	return true
}

// GetStats 返回客户端信息（不含 token）
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"base_url":   c.baseURL,
		"configured": c.token != "",
		"timeout":    c.httpClient.Timeout.String(),
	}
}
