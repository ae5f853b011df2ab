package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorLogger_RecoversPanic(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(ErrorLogger(zap.New(core)))
	router.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_SERVER_ERROR")

	entries := logs.FilterMessage("request panic").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "kaboom", entries[0].ContextMap()["error"])
}

func TestRequestLogger_LogsEachRequest(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(RequestLogger(zap.New(core)))
	router.GET("/media", func(c *gin.Context) { c.String(http.StatusPartialContent, "abc") })

	req := httptest.NewRequest("GET", "/media?token=secret", nil)
	req.Header.Set("Range", "bytes=0-2")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusPartialContent), fields["status"])
	assert.Equal(t, "/media", fields["path"])
	assert.Equal(t, "bytes=0-2", fields["range"])
}
