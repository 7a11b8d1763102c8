package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

func setupOllamaClient(t *testing.T, handler http.HandlerFunc) (*OllamaClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := getValidCognitionConfig()
	cfg.Provider = "ollama"
	cfg.OllamaEndpoint = server.URL + "/"
	client, err := NewOllamaClient(cfg, setupTestLogger(t))
	require.NoError(t, err)
	return client, server
}

func TestNormalizeOllamaBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:11434", normalizeOllamaBaseURL(""))
	assert.Equal(t, "http://gpu-box:11434", normalizeOllamaBaseURL("gpu-box:11434"))
	assert.Equal(t, "https://ollama.internal", normalizeOllamaBaseURL(" https://ollama.internal// "))
}

func TestOllamaClient_Decide_Success(t *testing.T) {
	var req ollamaGenerateRequest
	client, _ := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, _ = w.Write([]byte(`{"model":"llava:latest","response":"{\"action\":\"select_answer\",\"answer_index\":1}","done":true,"prompt_eval_count":30,"eval_count":12}`))
	})

	resp, err := client.Decide(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Equal(t, "llava:latest", resp.Model)
	assert.Contains(t, resp.Text, "select_answer")
	assert.Equal(t, 30, resp.InputTokens)

	assert.Equal(t, "llava", req.Model)
	assert.False(t, req.Stream)
	assert.Equal(t, "json", req.Format)
	assert.Equal(t, SystemInstruction, req.System)
	require.Len(t, req.Images, 1)
	assert.Equal(t, "iVBORw==", req.Images[0])
}

func TestOllamaClient_Decide_ModelNotFound(t *testing.T) {
	client, _ := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"llava\" not found, try pulling it first"}`))
	})

	_, err := client.Decide(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotFound)

	var fc schemas.FatalClassifier
	require.True(t, errors.As(err, &fc))
	assert.Equal(t, schemas.FatalModelNotFound, fc.FatalKind())
}

func TestOllamaClient_Decide_ServerError(t *testing.T) {
	client, _ := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"out of memory"}`))
	})

	_, err := client.Decide(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestOllamaClient_Decide_EmptyResponse(t *testing.T) {
	client, _ := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"llava","response":"  ","done":true}`))
	})

	_, err := client.Decide(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestOllamaClient_Decide_ConnectionRefused(t *testing.T) {
	client, server := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	_, err := client.Decide(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "ollama serve")

	var fc schemas.FatalClassifier
	require.True(t, errors.As(err, &fc))
	assert.Equal(t, schemas.FatalConnection, fc.FatalKind())
}

func TestOllamaClient_Ping(t *testing.T) {
	tags := `{"models":[{"name":"llava:latest","model":"llava:latest"},{"name":"llama3:8b","model":"llama3:8b"}]}`

	t.Run("model installed", func(t *testing.T) {
		client, _ := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/tags", r.URL.Path)
			_, _ = w.Write([]byte(tags))
		})
		assert.NoError(t, client.Ping(context.Background()))
	})

	t.Run("model missing", func(t *testing.T) {
		client, _ := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b"}]}`))
		})
		err := client.Ping(context.Background())
		assert.ErrorIs(t, err, ErrModelNotFound)
		assert.Contains(t, err.Error(), "ollama pull llava")
	})
}
