package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/repositories/memory"
	rlog "meshroom/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type discardSink struct{}

func (discardSink) Deliver(domain.ConnectionID, domain.PresenceEvent) error { return nil }

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(rlog.NewContextLogger(zap.NewNop())))
	return router
}

func do(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRoomHandler(t *testing.T) {
	ctx := context.Background()
	presence := services.NewPresenceService(discardSink{})
	dir := memory.NewMemoryRoomDirectory()

	_, err := presence.Join(ctx, "c1", "ABC123", "p1", "Alice")
	require.NoError(t, err)
	_, err = presence.Join(ctx, "c2", "ABC123", "p2", "Bob")
	require.NoError(t, err)
	require.NoError(t, dir.Upsert(ctx, domain.RoomSummary{ID: "ABC123", ParticipantCount: 2}))

	router := newRouter()
	NewRoomHandler(dir, presence).SetupRoutes(router)

	t.Run("list", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/rooms", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Rooms []domain.RoomSummary `json:"rooms"`
			Count int                  `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
		assert.Equal(t, 2, resp.Rooms[0].ParticipantCount)
	})

	t.Run("get", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/rooms/ABC123", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Participants []domain.Member `json:"participants"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, []domain.Member{{Handle: "p1", DisplayName: "Alice"}, {Handle: "p2", DisplayName: "Bob"}}, resp.Participants)
	})

	t.Run("unknown room", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/rooms/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "NOT_FOUND")
	})
}

func TestAuthHandler_IssueToken(t *testing.T) {
	identity := services.NewIdentityService("test-secret", time.Hour)
	router := newRouter()
	NewAuthHandler(identity, time.Hour).SetupRoutes(router)

	w := do(router, http.MethodPost, "/api/v1/auth/token", map[string]string{"peer_handle": "p1", "display_name": "Alice"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Token     string `json:"access_token"`
		ExpiresIn int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3600, resp.ExpiresIn)

	id, err := identity.Resolve(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{Handle: "p1", DisplayName: "Alice"}, id)
}

func TestAuthHandler_Defaults(t *testing.T) {
	identity := services.NewIdentityService("test-secret", time.Hour)
	router := newRouter()
	NewAuthHandler(identity, time.Hour).SetupRoutes(router)

	w := do(router, http.MethodPost, "/api/v1/auth/token", map[string]string{})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Handle      string `json:"peer_handle"`
		DisplayName string `json:"display_name"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Handle)
	assert.NotEmpty(t, resp.DisplayName)
}

func TestAuthHandler_InvalidHandle(t *testing.T) {
	router := newRouter()
	NewAuthHandler(services.NewIdentityService("test-secret", time.Hour), time.Hour).SetupRoutes(router)

	w := do(router, http.MethodPost, "/api/v1/auth/token", map[string]string{"peer_handle": "has space"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")
}

func TestRoomHandler_JoinedForCaller(t *testing.T) {
	ctx := context.Background()
	presence := services.NewPresenceService(discardSink{})
	identity := services.NewIdentityService("test-secret", time.Hour)
	_, err := presence.Join(ctx, "c1", "ABC123", "p1", "Alice")
	require.NoError(t, err)

	router := newRouter()
	NewRoomHandler(memory.NewMemoryRoomDirectory(), presence).SetupRoutes(router, middleware.OptionalAuthMiddleware(identity))

	get := func(handle domain.PeerHandle) map[string]interface{} {
		req, _ := http.NewRequest(http.MethodGet, "/api/v1/rooms/ABC123", nil)
		if handle != "" {
			token, err := identity.IssueToken(domain.Identity{Handle: handle})
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	assert.NotContains(t, get(""), "joined")
	assert.Equal(t, true, get("p1")["joined"])
	assert.Equal(t, false, get("p9")["joined"])
}
