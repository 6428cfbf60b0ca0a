package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fmsdesk/internal/models"
	"fmsdesk/pkg/telegram"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

type fixture struct {
	tenant  *models.Tenant
	user    *models.User
	profile *models.ExecutorProfile
	ticket  *models.Ticket
}

const testChatID int64 = 1001

// seedExecutor 创建租户、执行人（已绑定 chat 1001）与一张分配给他的 open 工单
func seedExecutor(t *testing.T, db *gorm.DB) fixture {
	t.Helper()
	tenant := &models.Tenant{Name: "Acme Facilities"}
	require.NoError(t, db.Create(tenant).Error)

	chatID := testChatID
	user := &models.User{
		TenantID:       tenant.ID,
		FullName:       "Jane Doe",
		Email:          "jane@example.com",
		Role:           "executor",
		TelegramChatID: &chatID,
		TelegramStatus: models.TelegramStatusConnected,
	}
	require.NoError(t, db.Create(user).Error)

	profile := &models.ExecutorProfile{TenantID: tenant.ID, UserID: user.ID, FullName: "Jane D."}
	require.NoError(t, db.Create(profile).Error)

	ticket := &models.Ticket{
		TenantID:          tenant.ID,
		TicketNumber:      "T-1001",
		Title:             "AC not cooling",
		Status:            models.TicketOpen,
		Priority:          "high",
		Location:          "Building A, Floor 3",
		ExecutorProfileID: &profile.ID,
	}
	require.NoError(t, db.Create(ticket).Error)

	return fixture{tenant: tenant, user: user, profile: profile, ticket: ticket}
}

// fakeBot records every Bot API call.
type fakeBot struct {
	mu       sync.Mutex
	nextID   int64
	failSend bool
	sent     []telegram.SendMessageRequest
	edited   []telegram.EditMessageTextRequest
	markups  []telegram.EditMessageReplyMarkupRequest
	deleted  [][2]int64
	answers  []telegram.AnswerCallbackQueryRequest
}

var _ telegram.BotAPI = (*fakeBot)(nil)

func newFakeBot() *fakeBot { return &fakeBot{nextID: 500} }

func (f *fakeBot) SendMessage(_ context.Context, req telegram.SendMessageRequest) *telegram.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return nil
	}
	f.sent = append(f.sent, req)
	f.nextID++
	return &telegram.Message{MessageID: f.nextID, Chat: telegram.Chat{ID: req.ChatID}, Text: req.Text}
}

func (f *fakeBot) EditMessageText(_ context.Context, req telegram.EditMessageTextRequest) *telegram.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, req)
	return &telegram.Message{MessageID: req.MessageID, Chat: telegram.Chat{ID: req.ChatID}, Text: req.Text}
}

func (f *fakeBot) EditMessageReplyMarkup(_ context.Context, req telegram.EditMessageReplyMarkupRequest) *telegram.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markups = append(f.markups, req)
	return &telegram.Message{MessageID: req.MessageID, Chat: telegram.Chat{ID: req.ChatID}}
}

func (f *fakeBot) DeleteMessage(_ context.Context, chatID, messageID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, [2]int64{chatID, messageID})
	return true
}

func (f *fakeBot) AnswerCallbackQuery(_ context.Context, req telegram.AnswerCallbackQueryRequest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, req)
	return true
}

func (f *fakeBot) lastSentText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Text
}

func (f *fakeBot) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return ""
	}
	return f.answers[len(f.answers)-1].Text
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}
