package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhangyunhao116/taskjail"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeChat(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
}

func TestOpenAI_Complete(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		assert.InDelta(t, 0.2, req.Temperature, 1e-9)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "rules", req.Messages[0].Content)
		assert.Equal(t, "user", req.Messages[1].Role)
		assert.Equal(t, "count mondays", req.Messages[1].Content)

		writeChat(w, "  {\"language\":\"bash\",\"code\":\"echo 3\"}\n")
	})

	o, err := NewOpenAI(Config{
		Endpoint:    srv.URL + "/v1",
		Token:       "test-token",
		Temperature: DefaultTemperature,
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", o.Name())

	reply, err := o.Complete(context.Background(), "rules", "count mondays")
	require.NoError(t, err)
	assert.Equal(t, `{"language":"bash","code":"echo 3"}`, reply)
}

func TestOpenAI_EndpointAlreadyComplete(t *testing.T) {
	o, err := NewOpenAI(Config{Endpoint: "http://proxy/openai/v1/chat/completions/", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "http://proxy/openai/v1/chat/completions", o.url)
}

func TestOpenAI_TokenFromEnv(t *testing.T) {
	t.Setenv("TASKJAIL_TEST_TOKEN", "from-env")
	o, err := NewOpenAI(Config{TokenEnv: "TASKJAIL_TEST_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", o.token)
	assert.Equal(t, DefaultEndpoint+chatPath, o.url)
}

func TestOpenAI_MissingToken(t *testing.T) {
	t.Setenv("TASKJAIL_TEST_TOKEN", "")
	_, err := NewOpenAI(Config{TokenEnv: "TASKJAIL_TEST_TOKEN"})
	require.ErrorIs(t, err, ErrNoToken)
	assert.Contains(t, err.Error(), "TASKJAIL_TEST_TOKEN")
}

func TestOpenAI_RetriesTooManyRequests(t *testing.T) {
	orig := retryBackoff
	retryBackoff = time.Millisecond
	t.Cleanup(func() { retryBackoff = orig })

	var calls atomic.Int32
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		writeChat(w, "ok")
	})
	o, err := NewOpenAI(Config{Endpoint: srv.URL, Token: "t"})
	require.NoError(t, err)

	reply, err := o.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAI_GivesUpAfterRetries(t *testing.T) {
	orig := retryBackoff
	retryBackoff = time.Millisecond
	t.Cleanup(func() { retryBackoff = orig })

	var calls atomic.Int32
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	})
	o, err := NewOpenAI(Config{Endpoint: srv.URL, Token: "t"})
	require.NoError(t, err)

	_, err = o.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestOpenAI_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
		is      error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, "status 401", nil},
		{"api error", http.StatusOK, `{"error":{"message":"quota"}}`, "api error: quota", nil},
		{"no choices", http.StatusOK, `{"choices":[]}`, "", ErrEmptyReply},
		{"blank content", http.StatusOK, `{"choices":[{"message":{"content":"  "}}]}`, "", ErrEmptyReply},
		{"not json", http.StatusOK, `<html>`, "parse response", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			o, err := NewOpenAI(Config{Endpoint: srv.URL, Token: "t"})
			require.NoError(t, err)

			_, err = o.Complete(context.Background(), "s", "u")
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestOpenAI_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	o, err := NewOpenAI(Config{Endpoint: srv.URL, Token: "t"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = o.Complete(ctx, "s", "u")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGemini_Complete(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":generateContent"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"language\":\"python\",\"code\":\"print(3)\"}"}]}}]}`))
	})

	g, err := NewGemini(Config{Endpoint: srv.URL, Token: "key", Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "gemini", g.Name())
	assert.Equal(t, DefaultGeminiModel, g.model)

	reply, err := g.Complete(context.Background(), "rules", "task")
	require.NoError(t, err)
	assert.Equal(t, `{"language":"python","code":"print(3)"}`, reply)
}

func TestNew(t *testing.T) {
	o, err := New(Config{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, BackendOpenAI, o.Name())

	_, err = New(Config{Backend: "carrier-pigeon", Token: "t"})
	require.ErrorIs(t, err, taskjail.ErrConfigInvalid)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, BackendOpenAI, cfg.Backend)
	assert.Equal(t, DefaultEndpoint, cfg.Endpoint)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.InDelta(t, 0.2, cfg.Temperature, 1e-9)
	assert.Equal(t, "AIPROXY_TOKEN", cfg.TokenEnv)
	assert.Equal(t, 20*time.Second, cfg.Timeout)
}

func TestScript(t *testing.T) {
	boom := errors.New("boom")
	s := NewScript(Reply("first"), Fail(boom))

	got, err := s.Complete(context.Background(), "sys", "one")
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	_, err = s.Complete(context.Background(), "sys", "two")
	assert.ErrorIs(t, err, boom)

	_, err = s.Complete(context.Background(), "sys", "three")
	assert.ErrorIs(t, err, ErrScriptExhausted)

	assert.Equal(t, 0, s.Remaining())
	calls := s.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "two", calls[1].User)
}

func TestScript_DelayHonoursContext(t *testing.T) {
	s := NewScript(Step{Reply: "late", Delay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Complete(ctx, "s", "u")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
