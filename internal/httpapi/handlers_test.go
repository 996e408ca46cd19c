package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentkernel/internal/agentmanager"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/modelregistry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter wires a real Manager and Registry the same way production
// does, with ErrorHandler installed so AppError/StartupError responses get
// encoded the same way they would in production.
func newTestRouter() *gin.Engine {
	registry := modelregistry.New(modelregistry.Options{
		DefaultModelSettings: modelregistry.ModelSettings{Model: "default-model"},
		AllowCustomModels:    true,
	}, nil, nil)
	agents := agentmanager.New(agentmanager.Options{MaxAgents: 10, MaxAgentsPerNamespace: 10}, registry, nil, nil, nil)

	log := logger.Default()
	router := gin.New()
	router.Use(ErrorHandler(log))
	v1 := router.Group("/api/v1")
	SetupRoutes(v1, agents, registry, nil, log)
	return router
}

func doRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAgentReturns201AndID(t *testing.T) {
	router := newTestRouter()
	rec := doRequest(router, http.MethodPost, "/api/v1/agents", map[string]any{"id": "a1", "name": "bot"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["id"] != "a1" {
		t.Fatalf("expected id a1, got %+v", resp)
	}
}

func TestCreateAgentMissingNameReturns400(t *testing.T) {
	router := newTestRouter()
	rec := doRequest(router, http.MethodPost, "/api/v1/agents", map[string]any{"id": "a1"})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing required field, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetAgentNotFoundReturns404(t *testing.T) {
	router := newTestRouter()
	rec := doRequest(router, http.MethodGet, "/api/v1/agents/missing", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetAgentRedactsAPIKey(t *testing.T) {
	router := newTestRouter()
	doRequest(router, http.MethodPost, "/api/v1/agents", map[string]any{
		"id": "a1", "name": "bot",
		"modelSettings": map[string]any{"model": "gpt-4", "apiKey": "sk-secret"},
	})

	rec := doRequest(router, http.MethodGet, "/api/v1/agents/a1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("sk-secret")) {
		t.Fatalf("response must not contain the raw API key: %s", rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("****")) {
		t.Fatalf("expected a redacted api key marker, got %s", rec.Body.String())
	}
}

func TestCreateAgentDuplicateIDReturnsConflict(t *testing.T) {
	router := newTestRouter()
	doRequest(router, http.MethodPost, "/api/v1/agents", map[string]any{"id": "a1", "name": "bot"})
	rec := doRequest(router, http.MethodPost, "/api/v1/agents", map[string]any{"id": "a1", "name": "bot"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a duplicate id, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDestroyAgentThenGetReturns404(t *testing.T) {
	router := newTestRouter()
	doRequest(router, http.MethodPost, "/api/v1/agents", map[string]any{"id": "a1", "name": "bot"})

	rec := doRequest(router, http.MethodDelete, "/api/v1/agents/a1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on destroy, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(router, http.MethodGet, "/api/v1/agents/a1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after destroy, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListAgentsFiltersByNamespaceQueryParam(t *testing.T) {
	router := newTestRouter()
	doRequest(router, http.MethodPost, "/api/v1/agents", map[string]any{"id": "a1", "namespace": "ns1", "name": "bot"})
	doRequest(router, http.MethodPost, "/api/v1/agents", map[string]any{"id": "a2", "namespace": "ns2", "name": "bot"})

	rec := doRequest(router, http.MethodGet, "/api/v1/agents?namespace=ns1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("expected exactly 1 agent in ns1, got %d", resp.Total)
	}
}

func TestAddModelThenListModels(t *testing.T) {
	router := newTestRouter()
	rec := doRequest(router, http.MethodPost, "/api/v1/models", map[string]any{
		"id": "gpt", "settings": map[string]any{"model": "gpt-4"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(router, http.MethodGet, "/api/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("gpt-4")) {
		t.Fatalf("expected the listed model in the response, got %s", rec.Body.String())
	}
}

func TestAddModelDuplicateReturnsConflict(t *testing.T) {
	router := newTestRouter()
	doRequest(router, http.MethodPost, "/api/v1/models", map[string]any{"id": "gpt", "settings": map[string]any{"model": "gpt-4"}})
	rec := doRequest(router, http.MethodPost, "/api/v1/models", map[string]any{"id": "gpt", "settings": map[string]any{"model": "gpt-4"}})

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a duplicate model id, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthCheckReturns200(t *testing.T) {
	router := newTestRouter()
	rec := doRequest(router, http.MethodGet, "/api/v1/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
