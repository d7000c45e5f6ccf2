package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

func openAIServer(t *testing.T, handler func(w http.ResponseWriter, calls int32)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		n := atomic.AddInt32(&calls, 1)
		handler(w, n)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeChoice(w http.ResponseWriter, content string) {
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func fastOpts() Options {
	return Options{Timeout: 5 * time.Second, MaxRetries: 2, RequestsPerMinute: 6000, InitialBackoff: time.Millisecond}
}

func TestDisabledReturnsFallback(t *testing.T) {
	j := New(config.LLMConfig{Enabled: false})
	v := j.AnalyzeLog(context.Background(), "log", Context{}, domain.Failure("x"))
	assert.False(t, v.Judged)
	assert.Equal(t, domain.Failure("x"), v.Result)
}

func TestLLMSkipsNonFailure(t *testing.T) {
	srv, calls := openAIServer(t, func(w http.ResponseWriter, _ int32) {
		writeChoice(w, `{"status":"failure","reason":"no"}`)
	})
	j := NewLLM(NewOpenAIClient(srv.URL, "k", "m"), fastOpts())

	v := j.AnalyzeLog(context.Background(), "log", Context{}, domain.Success())
	assert.Equal(t, domain.Success(), v.Result)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestLLMUpgradesFailureToSuccess(t *testing.T) {
	srv, _ := openAIServer(t, func(w http.ResponseWriter, _ int32) {
		writeChoice(w, "Sure.\n```json\n{\"status\": \"success\", \"reason\": \"all tasks finished\"}\n```")
	})
	j := NewLLM(NewOpenAIClient(srv.URL, "k", "m"), fastOpts())

	v := j.AnalyzeLog(context.Background(), "log", Context{Script: "s", User: "u"}, domain.Failure("stopped"))
	require.True(t, v.Judged)
	assert.Equal(t, domain.ResultSuccess, v.Result.Kind)
	assert.Equal(t, "openai", v.Provider)
	assert.Equal(t, "m", v.Model)
	assert.Equal(t, "all tasks finished", v.Reason)
}

func TestLLMRefinesFailureDetail(t *testing.T) {
	srv, _ := openAIServer(t, func(w http.ResponseWriter, _ int32) {
		writeChoice(w, `{"status":"failure","reason":"stage not unlocked"}`)
	})
	j := NewLLM(NewOpenAIClient(srv.URL, "k", "m"), fastOpts())

	v := j.AnalyzeLog(context.Background(), "log", Context{}, domain.Timeout("stalled"))
	assert.Equal(t, domain.ResultTimeout, v.Result.Kind)
	assert.Equal(t, "stage not unlocked", v.Result.Detail)
}

func TestLLMRetriesServerErrors(t *testing.T) {
	srv, calls := openAIServer(t, func(w http.ResponseWriter, n int32) {
		if n < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		writeChoice(w, `{"status":"running","reason":"still farming"}`)
	})
	j := NewLLM(NewOpenAIClient(srv.URL, "k", "m"), fastOpts())

	v := j.AnalyzeLog(context.Background(), "log", Context{}, domain.Failure("x"))
	assert.Equal(t, domain.ResultRunning, v.Result.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestLLMDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := openAIServer(t, func(w http.ResponseWriter, _ int32) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})
	j := NewLLM(NewOpenAIClient(srv.URL, "k", "m"), fastOpts())

	v := j.AnalyzeLog(context.Background(), "log", Context{}, domain.DeviceError("adb"))
	assert.False(t, v.Judged)
	assert.Equal(t, domain.DeviceError("adb"), v.Result)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestLLMUnparseableReplyFallsBack(t *testing.T) {
	srv, _ := openAIServer(t, func(w http.ResponseWriter, _ int32) {
		writeChoice(w, "I am not sure")
	})
	j := NewLLM(NewOpenAIClient(srv.URL, "k", "m"), fastOpts())

	v := j.AnalyzeLog(context.Background(), "log", Context{}, domain.Failure("x"))
	assert.False(t, v.Judged)
	assert.Equal(t, domain.Failure("x"), v.Result)
}

func TestLLMTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	srv, _ := openAIServer(t, func(w http.ResponseWriter, _ int32) {
		<-release
	})
	defer close(release)

	opts := fastOpts()
	opts.Timeout = 50 * time.Millisecond
	opts.MaxRetries = 0
	j := NewLLM(NewOpenAIClient(srv.URL, "k", "m"), opts)

	start := time.Now()
	v := j.AnalyzeLog(context.Background(), "log", Context{}, domain.Failure("x"))
	assert.Equal(t, domain.Failure("x"), v.Result)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAnthropicClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, systemPrompt, req.System)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"status\":\"success\",\"reason\":\"ok\"}"}]}`))
	}))
	defer srv.Close()

	j := NewLLM(NewAnthropicClient(srv.URL, "secret", ""), fastOpts())
	v := j.AnalyzeLog(context.Background(), "log", Context{}, domain.Failure("x"))
	assert.True(t, v.Judged)
	assert.Equal(t, "anthropic", v.Provider)
	assert.Equal(t, domain.ResultSuccess, v.Result.Kind)
}

func TestBuildPromptKeepsLogTail(t *testing.T) {
	long := make([]byte, maxLogChars+100)
	for i := range long {
		long[i] = 'a'
	}
	long[len(long)-1] = 'Z'
	p := buildPrompt(string(long), Context{Script: "s"}, domain.Failure("x"))
	assert.Contains(t, p, "Z")
	assert.Contains(t, p, "Script: s")
}

func TestBuildPromptCutsOnRuneBoundary(t *testing.T) {
	// 3-byte runes with one leading byte so the byte cut lands mid-rune.
	text := "x" + strings.Repeat("理", maxLogChars/3+10)
	p := buildPrompt(text, Context{}, domain.Failure("x"))
	assert.True(t, utf8.ValidString(p))
	assert.NotContains(t, p, "Log:\nx", "head of the log is dropped")
}

func TestParseReply(t *testing.T) {
	_, ok := parseReply(`{"status":"weird"}`)
	assert.False(t, ok)
	r, ok := parseReply(`verdict {"status":"failed","reason":"r"} done`)
	assert.True(t, ok)
	assert.Equal(t, "r", r.Reason)
}
