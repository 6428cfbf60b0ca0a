package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fmsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"
)

const onboardingCallbackPath = "/functions/v1/user-onboarding-callback"

// OnboardingCompletion 是 /start <correlationId> 握手完成后回调的请求体
type OnboardingCompletion struct {
	CorrelationID  string `json:"correlation_id"`
	ChatID         int64  `json:"chat_id"`
	TelegramUserID int64  `json:"telegram_user_id"`
	JoinedAt       string `json:"joined_at"`
	Status         string `json:"status"`
}

// OnboardingNotifier reports a completed Telegram handshake to the account service.
type OnboardingNotifier interface {
	CompleteOnboarding(ctx context.Context, req OnboardingCompletion) error
}

// OnboardingClient posts handshake completions to the onboarding callback endpoint.
type OnboardingClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewOnboardingClient token 为回调专用令牌，未配置时由调用方传入 service role key
func NewOnboardingClient(baseURL, token string, logger *logrus.Logger) *OnboardingClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &OnboardingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

func (c *OnboardingClient) CompleteOnboarding(ctx context.Context, body OnboardingCompletion) error {
	if c.baseURL == "" {
		return errors.New("onboarding callback url is not configured")
	}
	if c.token == "" {
		return errors.New("onboarding callback token is not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal onboarding completion: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+onboardingCallbackPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create onboarding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("onboarding callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("onboarding callback error [%d]: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	c.logger.WithField("correlation_id", body.CorrelationID).Info("onboarding callback accepted")
	return nil
}

// OnboardingService binds a pending account to the Telegram chat that completed
// the /start handshake.
type OnboardingService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewOnboardingService(db *gorm.DB, logger *logrus.Logger) *OnboardingService {
	if logger == nil {
		logger = logrus.New()
	}
	return &OnboardingService{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BindTelegram 根据 correlation_id 绑定 chat id；已连接的账号重复回调时直接返回
func (s *OnboardingService) BindTelegram(ctx context.Context, req OnboardingCompletion) (*models.User, error) {
	if strings.TrimSpace(req.CorrelationID) == "" {
		return nil, fmt.Errorf("%w: empty correlation id", ErrCorrelationNotFound)
	}
	if req.ChatID == 0 {
		return nil, errors.New("chat_id is required")
	}

	var user models.User
	err := s.db.WithContext(ctx).Where("telegram_correlation_id = ?", req.CorrelationID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCorrelationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user by correlation id: %w", err)
	}
	if user.TelegramStatus == models.TelegramStatusConnected && user.TelegramChatID != nil && *user.TelegramChatID == req.ChatID {
		return &user, nil
	}

	joinedAt := s.now()
	if req.JoinedAt != "" {
		if t, perr := time.Parse(time.RFC3339, req.JoinedAt); perr == nil {
			joinedAt = t.UTC()
		}
	}
	chatID := req.ChatID
	legacy := strconv.FormatInt(req.TelegramUserID, 10)
	if req.TelegramUserID == 0 {
		legacy = strconv.FormatInt(req.ChatID, 10)
	}

	if err := s.db.WithContext(ctx).Model(&user).Updates(map[string]interface{}{
		"telegram_chat_id":   chatID,
		"telegram_user_id":   legacy,
		"telegram_status":    models.TelegramStatusConnected,
		"telegram_joined_at": joinedAt,
		"updated_at":         s.now(),
	}).Error; err != nil {
		return nil, fmt.Errorf("bind telegram for user %s: %w", user.ID, err)
	}
	user.TelegramChatID = &chatID
	user.TelegramUserID = &legacy
	user.TelegramStatus = models.TelegramStatusConnected
	user.TelegramJoinedAt = &joinedAt

	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "chat_id": chatID}).Info("telegram account connected")
	return &user, nil
}
