package backend

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	token string
	err   error
	calls int32
}

func (r *fakeRefresher) RefreshAccessToken(ctx context.Context) (string, error) {
	atomic.AddInt32(&r.calls, 1)
	return r.token, r.err
}

type syncServiceFixture struct {
	service   *NotionSyncService
	fake      *fakeNotion
	secrets   *memorySecretStore
	store     *PageMapStore
	refresher *fakeRefresher
	logger    *recordingLogger
}

func newSyncServiceFixture(t *testing.T, settings Settings) *syncServiceFixture {
	t.Helper()
	fake := newFakeNotion(t)
	client := fake.client()
	store := NewPageMapStore(t.TempDir())
	mapper := NewPageMapper(client, NewContentTranslator(client), store)
	secrets := newMemorySecretStore()
	refresher := &fakeRefresher{}
	logger := newRecordingLogger(t)
	service := NewNotionSyncService(writeTestSettings(t, t.TempDir(), settings), secrets, client, mapper, refresher, logger)
	return &syncServiceFixture{service: service, fake: fake, secrets: secrets, store: store, refresher: refresher, logger: logger}
}

func TestNotionSyncService_SyncEnabled(t *testing.T) {
	f := newSyncServiceFixture(t, enabledSettings())
	assert.True(t, f.service.SyncEnabled())

	f = newSyncServiceFixture(t, Settings{})
	assert.False(t, f.service.SyncEnabled())
}

func TestNotionSyncService_DisabledIsSkipped(t *testing.T) {
	f := newSyncServiceFixture(t, Settings{NotionDatabaseID: testDatabaseID})
	require.NoError(t, f.secrets.SaveSecret(AccountAPIToken, testToken))

	outcome := f.service.SyncNote(context.Background(), NoteSnapshot{ID: "n1"})

	assert.Equal(t, SyncOutcomeSkipped, outcome.Kind)
	assert.Empty(t, f.fake.requestLog())
}

func TestNotionSyncService_MisconfiguredIsPaused(t *testing.T) {
	f := newSyncServiceFixture(t, enabledSettings())

	outcome := f.service.SyncNote(context.Background(), NoteSnapshot{ID: "n1"})

	assert.Equal(t, pausedOutcome("Notion sync paused: add your integration secret."), outcome)
	assert.Empty(t, f.fake.requestLog())
}

func TestNotionSyncService_SyncsNote(t *testing.T) {
	f := newSyncServiceFixture(t, enabledSettings())
	require.NoError(t, f.secrets.SaveSecret(AccountAPIToken, testToken))

	outcome := f.service.SyncNote(context.Background(), NoteSnapshot{ID: "n1", Title: "Hello", PlainText: "Hi"})

	assert.Equal(t, SyncOutcomeSynced, outcome.Kind)
	pageID, ok := f.store.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "Hello", f.fake.page(pageID).Title)
	assert.Equal(t, []string{"Hi"}, f.fake.paragraphs(pageID))
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.refresher.calls))
}

func TestNotionSyncService_RefreshesExpiredOAuthToken(t *testing.T) {
	f := newSyncServiceFixture(t, enabledSettings())
	require.NoError(t, f.secrets.SaveSecret(AccountOAuthAccessToken, "expired"))
	f.refresher.token = testToken

	outcome := f.service.SyncNote(context.Background(), NoteSnapshot{ID: "n1", Title: "Hello"})

	assert.Equal(t, SyncOutcomeSynced, outcome.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.refresher.calls))
	assert.Equal(t, 1, f.fake.pageCount())
}

func TestNotionSyncService_IntegrationSecretIsNotRefreshed(t *testing.T) {
	f := newSyncServiceFixture(t, enabledSettings())
	require.NoError(t, f.secrets.SaveSecret(AccountAPIToken, "revoked"))

	outcome := f.service.SyncNote(context.Background(), NoteSnapshot{ID: "n1"})

	assert.Equal(t, failedOutcome("failed to load database schema: API token is invalid."), outcome)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.refresher.calls))
}

func TestNotionSyncService_MissingRefreshTokenKeepsUnauthorizedError(t *testing.T) {
	f := newSyncServiceFixture(t, enabledSettings())
	require.NoError(t, f.secrets.SaveSecret(AccountOAuthAccessToken, "expired"))
	f.refresher.err = ErrNoRefreshToken

	outcome := f.service.SyncNote(context.Background(), NoteSnapshot{ID: "n1"})

	assert.Equal(t, SyncOutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Message, "API token is invalid.")
	for _, logged := range f.logger.errorCalls() {
		assert.NotContains(t, logged, "refresh")
	}
}

func TestNotionSyncService_CanceledSync(t *testing.T) {
	f := newSyncServiceFixture(t, enabledSettings())
	require.NoError(t, f.secrets.SaveSecret(AccountAPIToken, testToken))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := f.service.SyncNote(ctx, NoteSnapshot{ID: "n1"})

	assert.Equal(t, failedOutcome(context.Canceled.Error()), outcome)
	assert.Equal(t, 0, f.store.Len())
}

func TestNotionSyncService_Forget(t *testing.T) {
	f := newSyncServiceFixture(t, enabledSettings())
	require.NoError(t, f.store.Set("n1", "page-1"))

	require.NoError(t, f.service.Forget("n1"))

	_, ok := f.store.Get("n1")
	assert.False(t, ok)
}

// ------------------------------------------------------------
// 接続テスト
// ------------------------------------------------------------

func TestNotionSyncService_TestConnection(t *testing.T) {
	f := newSyncServiceFixture(t, Settings{})
	ctx := context.Background()

	cases := []struct {
		name       string
		databaseID string
		token      string
		kind       ConnectionCheckKind
		message    string
	}{
		{"success", "01234567-89ab-cdef-0123-456789abcdef", testToken, ConnectionSuccess,
			"Connection successful. Token is valid and database is reachable."},
		{"missing token", testDatabaseID, "  ", ConnectionMissingToken,
			"Add an integration secret first."},
		{"invalid format", "abc", testToken, ConnectionInvalidDatabaseIDFormat,
			"Database ID format is invalid. Use a 32-character hex ID from the database URL."},
		{"invalid token", testDatabaseID, "bad", ConnectionInvalidToken,
			"Invalid integration secret: API token is invalid."},
		{"database not shared", "ffffffffffffffffffffffffffffffff", testToken, ConnectionDatabaseNotAccessible,
			"Token is valid, but the database is not accessible: Could not find database with ID: ffffffffffffffffffffffffffffffff"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := f.service.TestConnection(ctx, tc.databaseID, tc.token)
			assert.Equal(t, tc.kind, result.Kind)
			assert.Equal(t, tc.message, result.Message())
		})
	}
}

func TestNotionSyncService_TestConnectionDoesNotRetry(t *testing.T) {
	f := newSyncServiceFixture(t, Settings{})
	f.fake.setOverride(func(w http.ResponseWriter, r *http.Request, body []byte) bool {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"message": "Notion is unavailable"})
		return true
	})

	result := f.service.TestConnection(context.Background(), testDatabaseID, testToken)

	assert.Equal(t, ConnectionInvalidToken, result.Kind)
	assert.Equal(t, 1, len(f.fake.requestLog()))
}

func TestNotionSyncService_TestConnectionNetworkFailure(t *testing.T) {
	f := newSyncServiceFixture(t, Settings{})
	f.fake.server.Close()

	result := f.service.TestConnection(context.Background(), testDatabaseID, testToken)

	assert.Equal(t, ConnectionUnknownError, result.Kind)
	assert.True(t, strings.HasPrefix(result.Message(), "Connection test failed: "))
}
