package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPool struct {
	size  int
	alive int
}

func (p *stubPool) Size() int  { return p.size }
func (p *stubPool) Alive() int { return p.alive }

func serve(handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)
	handler(c)
	return w
}

func TestLivenessAlwaysSucceeds(t *testing.T) {
	// Even with every dependency absent, liveness reports alive.
	handler := NewHandler(nil, &stubPool{size: 4, alive: 0})

	w := serve(handler.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadinessSingleInstanceMode(t *testing.T) {
	// Nil Redis means single-instance mode, which is healthy by definition.
	handler := NewHandler(nil, &stubPool{size: 2, alive: 2})

	w := serve(handler.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "ready")
	assert.Contains(t, body, "redis")
	assert.Contains(t, body, "media_workers")
	assert.Contains(t, body, "timestamp")
}

func TestReadinessFailsWhenWorkerDead(t *testing.T) {
	handler := NewHandler(nil, &stubPool{size: 4, alive: 3})

	w := serve(handler.Readiness, "/health/ready")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestReadinessFailsWithEmptyPool(t *testing.T) {
	handler := NewHandler(nil, &stubPool{size: 0, alive: 0})

	w := serve(handler.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessSkipsWorkerCheckWithoutPool(t *testing.T) {
	handler := NewHandler(nil, nil)

	w := serve(handler.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "media_workers")
}
