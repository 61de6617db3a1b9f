package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/handler"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/token"
)

type fakeMonitor struct{}

func (fakeMonitor) AttachFeedback(context.Context, *model.Feedback) error { return nil }

func (fakeMonitor) Summary(_ context.Context, days int) (*model.MonitoringSummary, error) {
	return &model.MonitoringSummary{WindowDays: days}, nil
}

func (fakeMonitor) ExportCSV(_ context.Context, w io.Writer, _ int) (int, error) {
	_, err := io.WriteString(w, "id,subject_id\nr1,alice\n")
	return 1, err
}

func newTestEngine(jwtManager *token.JWTManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	registerRoutes(r, routeHandlers{
		advisor:      handler.NewAdvisorHandler(nil),
		chat:         handler.NewChatHandler(nil, nil),
		search:       handler.NewSearchHandler(nil, 5),
		conversation: handler.NewConversationHandler(nil),
		monitoring:   handler.NewMonitoringHandler(fakeMonitor{}),
		health:       handler.NewHealthHandler(map[string]handler.Check{}),
		admin:        handler.NewAdminHandler(nil, nil, nil, nil, nil, nil),
	}, jwtManager, nil, time.Second)
	return r
}

func TestRoutes_MonitoringRequiresAdmin(t *testing.T) {
	m := token.NewJWTManager("secret", 1)
	r := newTestEngine(m)

	for _, path := range []string{"/api/v1/monitoring/summary", "/api/v1/monitoring/export"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	userToken, err := m.GenerateToken("alice", "USER")
	require.NoError(t, err)
	for _, path := range []string{"/api/v1/admin/monitoring/summary", "/api/v1/admin/monitoring/export"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusForbidden, w.Code, path)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+userToken)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}

	adminToken, err := m.GenerateToken("ops", token.RoleAdmin)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/monitoring/export?days=7", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "r1,alice")
}
