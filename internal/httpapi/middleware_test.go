package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentkernel/internal/apperrors"
	"github.com/kandev/agentkernel/internal/common/logger"
)

func TestErrorHandlerMapsAppErrorToItsHTTPStatus(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler(logger.Default()))
	router.GET("/boom", func(c *gin.Context) {
		c.Error(apperrors.Conflict("already exists"))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestErrorHandlerMapsStartupErrorToAgentStartupCode(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler(logger.Default()))
	router.GET("/boom", func(c *gin.Context) {
		c.Error(apperrors.NewStartupError("agent-1", "bad script", nil))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code == http.StatusOK {
		t.Fatalf("expected a non-200 status for a startup error, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AGENT_STARTUP_ERROR") {
		t.Fatalf("expected the AGENT_STARTUP_ERROR code in the body, got %s", rec.Body.String())
	}
}

func TestErrorHandlerFallsBackToInternalErrorForUnknownErrors(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler(logger.Default()))
	router.GET("/boom", func(c *gin.Context) {
		c.Error(errPlain("unexpected"))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for an unrecognized error, got %d", rec.Code)
	}
}

func TestRecoveryTranslatesPanicIntoInternalError(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(logger.Default()))
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after a recovered panic, got %d", rec.Code)
	}
}

func TestCORSSetsHeadersAndShortCircuitsOptions(t *testing.T) {
	router := gin.New()
	router.Use(CORS())
	router.GET("/thing", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/thing", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for an OPTIONS preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected a wildcard CORS origin header, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestRequestLoggerSetsRequestIDHeader(t *testing.T) {
	router := gin.New()
	router.Use(RequestLogger(logger.Default()))
	router.GET("/thing", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thing", nil))

	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected RequestLogger to set X-Request-ID")
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
