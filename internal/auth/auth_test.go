package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceToken = "alice-0123456789abcdef"
	bobToken   = "bob-0123456789abcdef00"
)

func TestParseOperators(t *testing.T) {
	o, err := ParseOperators("alice:" + aliceToken + ", bob:" + bobToken)
	require.NoError(t, err)
	assert.True(t, o.Enabled())
	assert.Equal(t, []string{"alice", "bob"}, o.Names())

	empty, err := ParseOperators("")
	require.NoError(t, err)
	assert.False(t, empty.Enabled())

	tests := []struct {
		name string
		spec string
	}{
		{"missing token", "alice"},
		{"empty name", ":" + aliceToken},
		{"short token", "alice:short"},
		{"duplicate", "alice:" + aliceToken + ",alice:" + bobToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOperators(tt.spec)
			assert.Error(t, err)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	o, err := ParseOperators("alice:" + aliceToken + ",bob:" + bobToken)
	require.NoError(t, err)

	name, err := o.Authenticate("Bearer " + bobToken)
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	name, err = o.Authenticate(aliceToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = o.Authenticate("")
	assert.ErrorIs(t, err, ErrNoToken)
	_, err = o.Authenticate("Bearer nope-nope-nope-nope")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newRouter(o *Operators) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(o))
	r.GET("/v1/status", func(c *gin.Context) { c.String(http.StatusOK, OperatorName(c)) })
	r.POST("/v1/level", RequireOperator(o), func(c *gin.Context) { c.String(http.StatusOK, OperatorName(c)) })
	return r
}

func TestMiddleware(t *testing.T) {
	o, err := ParseOperators("alice:" + aliceToken)
	require.NoError(t, err)
	r := newRouter(o)

	tests := []struct {
		name     string
		method   string
		path     string
		header   string
		value    string
		wantCode int
		wantBody string
	}{
		{"open read", http.MethodGet, "/v1/status", "", "", http.StatusOK, ""},
		{"read with token", http.MethodGet, "/v1/status", "Authorization", "Bearer " + aliceToken, http.StatusOK, "alice"},
		{"write without token", http.MethodPost, "/v1/level", "", "", http.StatusUnauthorized, ""},
		{"write with bad token", http.MethodPost, "/v1/level", "Authorization", "Bearer wrong-wrong-wrong", http.StatusUnauthorized, ""},
		{"write with api key header", http.MethodPost, "/v1/level", "X-API-Key", aliceToken, http.StatusOK, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	o, err := ParseOperators("")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	newRouter(o).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/level", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
