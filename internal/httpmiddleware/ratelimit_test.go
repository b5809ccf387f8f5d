package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"academy/internal/auth"
	"academy/internal/identity"
)

func TestBucketRefills(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 60)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
}

func TestIdleBucketsAreSwept(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 60)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("b"))
	assert.Len(t, l.state, 2)

	now = now.Add(2 * time.Minute)
	assert.True(t, l.allow("c"))
	assert.Len(t, l.state, 1)
	assert.Contains(t, l.state, "c")
}

func TestMiddlewareKeysByActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	const key = "rl-test-key"
	l := NewSimpleTokenBucket(1, 1)
	r := gin.New()
	r.Use(auth.ActorAuth(key, ""), l.GinMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(userID string) int {
		tok, _, _ := auth.Issue(userID, identity.RoleStudent, "", key, time.Minute)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, do("stu-1"))
	assert.Equal(t, http.StatusTooManyRequests, do("stu-1"))
	// same IP, different actor
	assert.Equal(t, http.StatusNoContent, do("stu-2"))
}
