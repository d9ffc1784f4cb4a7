package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authTestRouter(captured *domain.Participant) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", AuthMiddleware(testSecret), func(c *gin.Context) {
		*captured = c.MustGet("participant").(domain.Participant)
		c.Status(http.StatusOK)
	})
	return r
}

func TestAuthMiddlewareAcceptsBearerHeader(t *testing.T) {
	var got domain.Participant
	r := authTestRouter(&got)

	token := signToken(t, Claims{
		UserID:   "u-1",
		Username: "Producer",
		Role:     "host",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.UserID("u-1"), got.UserID)
	assert.Equal(t, "Producer", got.Username)
	assert.Equal(t, domain.RoleHost, got.Role)
}

func TestAuthMiddlewareAcceptsQueryToken(t *testing.T) {
	var got domain.Participant
	r := authTestRouter(&got)

	token := signToken(t, Claims{UserID: "u-2", Role: "viewer"}, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.UserID("u-2"), got.UserID)
}

func TestAuthMiddlewareDefaultsUnknownRoleToViewer(t *testing.T) {
	var got domain.Participant
	r := authTestRouter(&got)

	token := signToken(t, Claims{UserID: "u-3", Role: "superadmin"}, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.RoleViewer, got.Role)
}

func TestAuthMiddlewareRejectsBadTokens(t *testing.T) {
	var got domain.Participant
	r := authTestRouter(&got)

	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", signToken(t, Claims{UserID: "u-4"}, "other-secret")},
		{"missing user id", signToken(t, Claims{Role: "host"}, testSecret)},
		{"expired", signToken(t, Claims{
			UserID: "u-5",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}, testSecret)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := "/protected"
			if tc.token != "" {
				url += "?token=" + tc.token
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}
