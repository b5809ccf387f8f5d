package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"academy/internal/identity"
)

const (
	testKey    = "unit-test-signing-key"
	testIssuer = "academy-identity"
)

func TestIssueAndParse(t *testing.T) {
	tok, exp, err := Issue("teacher-1", identity.RoleTeacher, testIssuer, testKey, time.Hour)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := Parse(tok, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "teacher-1", claims.UserID())
	assert.Equal(t, identity.RoleTeacher, claims.Role)

	_, err = Parse(tok, "other-key", testIssuer)
	assert.Error(t, err)
	_, err = Parse(tok, testKey, "someone-else")
	assert.Error(t, err)
}

func TestParseRejectsBadTokens(t *testing.T) {
	expired, _, err := Issue("stu-1", identity.RoleStudent, testIssuer, testKey, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired, testKey, testIssuer)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	badRole, _, err := Issue("stu-1", identity.Role("janitor"), testIssuer, testKey, time.Minute)
	require.NoError(t, err)
	_, err = Parse(badRole, testKey, testIssuer)
	assert.Error(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             identity.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-1", Issuer: testIssuer},
	}).SignedString([]byte(testKey))
	require.NoError(t, err)
	_, err = Parse(noExp, testKey, testIssuer)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: identity.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "admin-1", Issuer: testIssuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = Parse(none, testKey, testIssuer)
	assert.Error(t, err)
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/teach", ActorAuth(testKey, testIssuer), RequireRole(identity.RoleTeacher), func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.UserID())
	})
	return r
}

func TestMiddleware(t *testing.T) {
	r := newRouter()
	teacherTok, _, _ := Issue("teacher-1", identity.RoleTeacher, testIssuer, testKey, time.Hour)
	studentTok, _, _ := Issue("stu-1", identity.RoleStudent, testIssuer, testKey, time.Hour)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + studentTok, http.StatusForbidden},
		{"ok", "bearer " + teacherTok, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/teach", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusOK {
				assert.Equal(t, "teacher-1", w.Body.String())
			}
		})
	}
}
