package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fmsdesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnboardingClient_CompleteOnboarding(t *testing.T) {
	var (
		gotPath, gotAuth string
		gotBody          OnboardingCompletion
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewOnboardingClient(srv.URL+"/", "svc-token", quietLogger())
	err := client.CompleteOnboarding(context.Background(), OnboardingCompletion{
		CorrelationID:  "corr-1",
		ChatID:         1001,
		TelegramUserID: 1001,
		JoinedAt:       "2026-01-02T03:04:05Z",
		Status:         "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, "/functions/v1/user-onboarding-callback", gotPath)
	assert.Equal(t, "Bearer svc-token", gotAuth)
	assert.Equal(t, "corr-1", gotBody.CorrelationID)
	assert.Equal(t, "completed", gotBody.Status)
}

func TestOnboardingClient_NonSuccessIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown correlation id"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewOnboardingClient(srv.URL, "t", quietLogger()).CompleteOnboarding(context.Background(), OnboardingCompletion{CorrelationID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOnboardingClient_NotConfigured(t *testing.T) {
	assert.Error(t, NewOnboardingClient("", "t", nil).CompleteOnboarding(context.Background(), OnboardingCompletion{}))
	assert.Error(t, NewOnboardingClient("http://x.test", "", nil).CompleteOnboarding(context.Background(), OnboardingCompletion{}))
}

func TestOnboardingService_BindTelegram(t *testing.T) {
	db := newTestDB(t)
	pending := &models.User{
		TenantID:              "t1",
		FullName:              "New Hire",
		TelegramCorrelationID: strPtr("corr-42"),
		TelegramStatus:        models.TelegramStatusPending,
	}
	require.NoError(t, db.Create(pending).Error)
	svc := NewOnboardingService(db, quietLogger())
	ctx := context.Background()

	user, err := svc.BindTelegram(ctx, OnboardingCompletion{
		CorrelationID:  "corr-42",
		ChatID:         5005,
		TelegramUserID: 6006,
		JoinedAt:       "2026-01-02T03:04:05Z",
		Status:         "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TelegramStatusConnected, user.TelegramStatus)

	var reloaded models.User
	require.NoError(t, db.Where("id = ?", pending.ID).Take(&reloaded).Error)
	require.NotNil(t, reloaded.TelegramChatID)
	assert.Equal(t, int64(5005), *reloaded.TelegramChatID)
	require.NotNil(t, reloaded.TelegramUserID)
	assert.Equal(t, "6006", *reloaded.TelegramUserID)
	require.NotNil(t, reloaded.TelegramJoinedAt)
	assert.Equal(t, 2026, reloaded.TelegramJoinedAt.Year())

	// 重复回调保持幂等
	again, err := svc.BindTelegram(ctx, OnboardingCompletion{CorrelationID: "corr-42", ChatID: 5005})
	require.NoError(t, err)
	assert.Equal(t, pending.ID, again.ID)

	// 绑定后执行人可以被解析
	ec, err := NewExecutorDirectory(db, quietLogger()).Resolve(ctx, 5005)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, ec.UserID)

	_, err = svc.BindTelegram(ctx, OnboardingCompletion{CorrelationID: "missing", ChatID: 1})
	assert.ErrorIs(t, err, ErrCorrelationNotFound)
	_, err = svc.BindTelegram(ctx, OnboardingCompletion{CorrelationID: "", ChatID: 1})
	assert.ErrorIs(t, err, ErrCorrelationNotFound)
	_, err = svc.BindTelegram(ctx, OnboardingCompletion{CorrelationID: "corr-42"})
	assert.Error(t, err)
}
