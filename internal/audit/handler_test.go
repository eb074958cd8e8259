package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meatcart/meatcart/internal/shared"
)

func newTestRouter(t *testing.T) (http.Handler, auditEnv) {
	t.Helper()
	env := newAuditEnv(t)
	h := NewHandler(nil, env.audit)
	h.now = func() time.Time { return time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	r.Route("/api/audit", h.MountRoutes)
	return r, env
}

func TestHandlerReconcileOrder(t *testing.T) {
	router, env := newTestRouter(t)
	o := env.place(t, 1)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit/orders/"+strconv.FormatInt(o.ID, 10), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"consistent":true`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit/orders/999", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit/orders/abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerTimelineExport(t *testing.T) {
	router, env := newTestRouter(t)
	require.NoError(t, env.log.Record(context.Background(), shared.AuditLog{
		Actor: "ops", Action: "po.create", Entity: "purchase_order", EntityID: "3",
		Meta: map[string]any{"number": "PO-1"}, At: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit/timeline/export.csv?entity=purchase_order", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "audit-20260314.csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "At,Actor,Action,Entity,EntityID,Meta", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2026-03-02T10:00:00Z,ops,po.create,purchase_order,3,"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit/timeline?from=yesterday", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
