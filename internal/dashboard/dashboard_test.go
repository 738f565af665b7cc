package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/storage"
)

type fakeOrderBook struct{ tracked, queued int }

func (f fakeOrderBook) TrackedCount() int { return f.tracked }
func (f fakeOrderBook) Queued() int       { return f.queued }

func openTestStore(t *testing.T) storage.Interface {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "dash_test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestHealthz(t *testing.T) {
	s := NewServer("127.0.0.1:0", openTestStore(t), fakeOrderBook{}, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusReportsBookAndBreaker(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.LogCircuitBreakerEvent(ctx, &models.CircuitBreakerEvent{
		TriggeredAt:    time.Now().UTC(),
		Reason:         models.BreakerConsecutiveLosses,
		ThresholdValue: 3,
	})
	require.NoError(t, err)

	s := NewServer("127.0.0.1:0", store, fakeOrderBook{tracked: 2, queued: 1}, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.TrackedOrders)
	assert.Equal(t, 1, status.QueuedOpens)
	assert.True(t, status.BreakerActive)
	assert.Equal(t, string(models.BreakerConsecutiveLosses), status.BreakerReason)
}

func TestPositionsEndpointListsOpenOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	exp := time.Now().UTC().Add(35 * 24 * time.Hour)
	p := models.NewPosition("p1", "SPY", models.StrategyVerticalCreditCall,
		[]models.Leg{
			{ContractSymbol: "SPY", Action: models.ActionSell, Strike: 455, Right: models.RightCall, Quantity: 1, ConID: 4551},
			{ContractSymbol: "SPY", Action: models.ActionBuy, Strike: 460, Right: models.RightCall, Quantity: 1, ConID: 4601},
		}, exp, 1, 0.6250, 437.50)
	require.NoError(t, store.AddPosition(ctx, p))

	s := NewServer("127.0.0.1:0", store, fakeOrderBook{}, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
}
