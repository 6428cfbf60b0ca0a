package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"fmsdesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorDirectory_Resolve(t *testing.T) {
	db := newTestDB(t)
	fx := seedExecutor(t, db)
	dir := NewExecutorDirectory(db, quietLogger())
	ctx := context.Background()

	ec, err := dir.Resolve(ctx, testChatID)
	require.NoError(t, err)
	assert.Equal(t, fx.user.ID, ec.UserID)
	assert.Equal(t, fx.tenant.ID, ec.TenantID)
	require.NotNil(t, ec.ExecutorProfileID)
	assert.Equal(t, fx.profile.ID, *ec.ExecutorProfileID)
	assert.Equal(t, "Jane D.", ec.FullName)

	_, err = dir.Resolve(ctx, 999)
	assert.True(t, errors.Is(err, ErrExecutorNotFound))
}

func TestExecutorDirectory_LegacyTelegramUserID(t *testing.T) {
	db := newTestDB(t)
	legacy := &models.User{TenantID: "t1", FullName: "Old Timer", TelegramUserID: strPtr("2002")}
	require.NoError(t, db.Create(legacy).Error)

	ec, err := NewExecutorDirectory(db, quietLogger()).Resolve(context.Background(), 2002)
	require.NoError(t, err)
	assert.Equal(t, legacy.ID, ec.UserID)
	assert.Nil(t, ec.ExecutorProfileID)
	assert.Equal(t, "Old Timer", ec.FullName)
}

func TestExecutorDirectory_CanonicalChatIDWins(t *testing.T) {
	db := newTestDB(t)
	canonical := &models.User{TenantID: "t1", FullName: "Canonical", TelegramChatID: int64Ptr(3003)}
	legacy := &models.User{TenantID: "t1", FullName: "Legacy", TelegramUserID: strPtr("3003")}
	require.NoError(t, db.Create(legacy).Error)
	require.NoError(t, db.Create(canonical).Error)

	ec, err := NewExecutorDirectory(db, quietLogger()).Resolve(context.Background(), 3003)
	require.NoError(t, err)
	assert.Equal(t, canonical.ID, ec.UserID)
}

func TestExecutorContext_Owns(t *testing.T) {
	profile := "p1"
	ec := &ExecutorContext{UserID: "u1", ExecutorProfileID: &profile}

	assert.True(t, ec.Owns(&models.Ticket{ExecutorProfileID: strPtr("p1")}))
	assert.True(t, ec.Owns(&models.Ticket{ExecutorID: strPtr("u1")}))
	assert.False(t, ec.Owns(&models.Ticket{ExecutorProfileID: strPtr("p2"), ExecutorID: strPtr("u2")}))
	assert.False(t, ec.Owns(&models.Ticket{}))
	assert.False(t, ec.Owns(nil))
}

func TestTicketStore_UpdateStatus(t *testing.T) {
	db := newTestDB(t)
	fx := seedExecutor(t, db)
	store := NewTicketStore(db, quietLogger())
	ctx := context.Background()

	require.NoError(t, store.UpdateStatus(ctx, fx.ticket.ID, models.TicketInProgress))
	ticket, err := store.GetTicket(ctx, fx.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketInProgress, ticket.Status)
	assert.Nil(t, ticket.ResolvedAt)

	require.NoError(t, store.UpdateStatus(ctx, fx.ticket.ID, models.TicketResolved))
	ticket, err = store.GetTicket(ctx, fx.ticket.ID)
	require.NoError(t, err)
	assert.NotNil(t, ticket.ResolvedAt)

	assert.ErrorIs(t, store.UpdateStatus(ctx, "nope", models.TicketOpen), ErrTicketNotFound)
	_, err = store.GetTicket(ctx, "nope")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestTicketStore_InsertActivityEnqueuesWebhook(t *testing.T) {
	db := newTestDB(t)
	fx := seedExecutor(t, db)
	store := NewTicketStore(db, quietLogger())
	ctx := context.Background()

	silent := &models.TicketActivity{TicketID: fx.ticket.ID, TenantID: fx.tenant.ID, ActivityType: models.ActivityExecutorUpdate, Comment: "a"}
	require.NoError(t, store.InsertActivity(ctx, silent))
	assert.Equal(t, int64(0), countRows(t, db, &models.WebhookQueueItem{}, ""))

	store.SetEnqueueOnActivity(true)
	activity := &models.TicketActivity{TicketID: fx.ticket.ID, TenantID: fx.tenant.ID, ActivityType: models.ActivityExecutorUpdate, Comment: "b"}
	require.NoError(t, store.InsertActivity(ctx, activity))

	var items []models.WebhookQueueItem
	require.NoError(t, db.Find(&items).Error)
	require.Len(t, items, 1)
	assert.Equal(t, models.QueuePending, items[0].Status)
	require.NotNil(t, items[0].ActivityID)
	assert.Equal(t, activity.ID, *items[0].ActivityID)
	assert.Equal(t, fx.tenant.ID, items[0].TenantID)
	assert.Equal(t, 0, items[0].AttemptCount)

	listed, err := store.ListActivities(ctx, fx.ticket.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestTicketStore_ListOpenForExecutor(t *testing.T) {
	db := newTestDB(t)
	fx := seedExecutor(t, db)
	store := NewTicketStore(db, quietLogger())
	ctx := context.Background()

	legacy := &models.Ticket{TenantID: fx.tenant.ID, TicketNumber: "T-2", Title: "legacy", Status: models.TicketOpen, ExecutorID: &fx.user.ID}
	require.NoError(t, db.Create(legacy).Error)

	both, err := store.ListOpenForExecutor(ctx, &fx.profile.ID, fx.user.ID)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	byProfile, err := store.ListOpenForExecutor(ctx, &fx.profile.ID, "")
	require.NoError(t, err)
	assert.Len(t, byProfile, 1)

	byUser, err := store.ListOpenForExecutor(ctx, nil, fx.user.ID)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, legacy.ID, byUser[0].ID)

	none, err := store.ListOpenForExecutor(ctx, nil, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func newSession(fx fixture, expires time.Time) *models.ExecutorTicketSession {
	return &models.ExecutorTicketSession{
		TicketID:       fx.ticket.ID,
		ExecutorUserID: fx.user.ID,
		TelegramChatID: testChatID,
		SessionType:    models.SessionTypeUpdate,
		ExpiresAt:      expires,
	}
}

func TestSessionStore_CreateRejectsTerminalState(t *testing.T) {
	db := newTestDB(t)
	fx := seedExecutor(t, db)
	store := NewSessionStore(db, quietLogger())

	s := newSession(fx, time.Now().UTC().Add(time.Minute))
	s.State = models.SessionCompleted
	assert.ErrorIs(t, store.Create(context.Background(), s), ErrInvalidTransition)

	s = newSession(fx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, store.Create(context.Background(), s))
	assert.Equal(t, models.SessionAwaitingInput, s.State)
}

func TestSessionStore_FindAwaitingPrefersPromptMatch(t *testing.T) {
	db := newTestDB(t)
	fx := seedExecutor(t, db)
	store := NewSessionStore(db, quietLogger())
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	older := newSession(fx, expires)
	older.PromptMessageID = int64Ptr(10)
	require.NoError(t, store.Create(ctx, older))

	other := &models.Ticket{TenantID: fx.tenant.ID, Title: "other", ExecutorProfileID: &fx.profile.ID}
	require.NoError(t, db.Create(other).Error)
	newer := newSession(fx, expires)
	newer.TicketID = other.ID
	newer.PromptMessageID = int64Ptr(20)
	require.NoError(t, store.Create(ctx, newer))

	got, err := store.FindAwaiting(ctx, testChatID, int64Ptr(10))
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	got, err = store.FindAwaiting(ctx, testChatID, int64Ptr(99))
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	got, err = store.FindAwaiting(ctx, testChatID, nil)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	got, err = store.FindAwaiting(ctx, 555, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionStore_TransitionIsConditional(t *testing.T) {
	db := newTestDB(t)
	fx := seedExecutor(t, db)
	store := NewSessionStore(db, quietLogger())
	ctx := context.Background()

	s := newSession(fx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, store.Create(ctx, s))

	stale := *s
	require.NoError(t, store.Transition(ctx, s, models.SessionCompleted, map[string]interface{}{"activity_id": "a1"}))
	assert.Equal(t, models.SessionCompleted, s.State)

	// 另一个处理器仍持有旧状态
	assert.ErrorIs(t, store.Transition(ctx, &stale, models.SessionExpired, nil), ErrInvalidTransition)
	// 终态不可再迁移
	assert.ErrorIs(t, store.Transition(ctx, s, models.SessionCancelled, nil), ErrInvalidTransition)

	var reloaded models.ExecutorTicketSession
	require.NoError(t, db.Where("id = ?", s.ID).Take(&reloaded).Error)
	assert.Equal(t, models.SessionCompleted, reloaded.State)
	assert.Equal(t, "a1", reloaded.Metadata["activity_id"])
}

func TestSessionStore_ExpireStale(t *testing.T) {
	db := newTestDB(t)
	fx := seedExecutor(t, db)
	store := NewSessionStore(db, quietLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	expired := newSession(fx, now.Add(-time.Minute))
	live := newSession(fx, now.Add(time.Hour))
	live.TelegramChatID = 2
	require.NoError(t, store.Create(ctx, expired))
	require.NoError(t, store.Create(ctx, live))

	list, err := store.ListExpiredAwaiting(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, expired.ID, list[0].ID)

	n, err := store.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), countRows(t, db, &models.ExecutorTicketSession{}, "id = ? AND state = ?", expired.ID, models.SessionExpired))
	assert.Equal(t, int64(1), countRows(t, db, &models.ExecutorTicketSession{}, "id = ? AND state = ?", live.ID, models.SessionAwaitingInput))
}

func TestSessionStore_CancelAwaitingScopesToTicketAndChat(t *testing.T) {
	db := newTestDB(t)
	fx := seedExecutor(t, db)
	store := NewSessionStore(db, quietLogger())
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	same := newSession(fx, expires)
	otherChat := newSession(fx, expires)
	otherChat.TelegramChatID = 77
	require.NoError(t, store.Create(ctx, same))
	require.NoError(t, store.Create(ctx, otherChat))

	n, err := store.CancelAwaiting(ctx, fx.ticket.ID, testChatID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), countRows(t, db, &models.ExecutorTicketSession{}, "id = ? AND state = ?", otherChat.ID, models.SessionAwaitingInput))
}
