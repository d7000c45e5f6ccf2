// Package judge optionally asks a language model to re-read a log that the
// rule-based classifier flagged as failed.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
)

// maxLogChars bounds the log excerpt sent to the model; the end of the log
// is kept since that is where outcomes are written.
const maxLogChars = 8000

// Context describes what was running when the log was produced
type Context struct {
	Script string
	User   string
	Phase  domain.Phase
	Tool   domain.ScriptKind
}

// Verdict is the judge's answer
type Verdict struct {
	Result   domain.Result
	Judged   bool
	Provider string
	Model    string
	Reason   string
}

// Judge re-classifies failed logs. Implementations must never return an
// error: any problem yields the fallback verdict.
type Judge interface {
	AnalyzeLog(ctx context.Context, text string, jc Context, fallback domain.Result) Verdict
}

// Disabled always returns the fallback
type Disabled struct{}

func (Disabled) AnalyzeLog(_ context.Context, _ string, _ Context, fallback domain.Result) Verdict {
	return Verdict{Result: fallback}
}

// New builds the judge described by cfg
func New(cfg config.LLMConfig) Judge {
	if !cfg.Enabled {
		return Disabled{}
	}
	var p Provider
	switch cfg.Provider {
	case "anthropic":
		p = NewAnthropicClient(cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		p = NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model)
	}
	return NewLLM(p, Options{
		Timeout:           time.Duration(cfg.TimeoutSeconds) * time.Second,
		MaxRetries:        cfg.MaxRetries,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
}

// Options bounds LLM usage
type Options struct {
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerMinute int
	// InitialBackoff overrides the first retry delay.
	InitialBackoff time.Duration
}

// LLM is a Judge backed by a Provider
type LLM struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
}

// NewLLM wraps p with rate limiting, retries and a per-call timeout
func NewLLM(p Provider, opts Options) *LLM {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 10
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	limit := rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	return &LLM{provider: p, opts: opts, limiter: rate.NewLimiter(limit, 1)}
}

const systemPrompt = `You review logs of an unattended game automation tool.
Decide whether the run succeeded, is still running normally, or failed.
Answer with a single JSON object: {"status": "success" | "running" | "failure", "reason": "<one short sentence>"}.`

type reply struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// AnalyzeLog asks the model about a failure verdict. Non-failure verdicts
// are returned untouched without contacting the model.
func (j *LLM) AnalyzeLog(ctx context.Context, text string, jc Context, fallback domain.Result) Verdict {
	if !fallback.IsFailure() {
		return Verdict{Result: fallback}
	}

	ctx, cancel := context.WithTimeout(ctx, j.opts.Timeout)
	defer cancel()

	if err := j.limiter.Wait(ctx); err != nil {
		log.Debug("llm judge rate limited, using rule verdict", "error", err)
		return Verdict{Result: fallback}
	}

	user := buildPrompt(text, jc, fallback)

	var answer string
	op := func() error {
		out, err := j.provider.Complete(ctx, systemPrompt, user)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		answer = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = j.opts.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(j.opts.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		log.Warn("llm judge failed, using rule verdict", "provider", j.provider.Name(), "error", err)
		return Verdict{Result: fallback}
	}

	r, ok := parseReply(answer)
	if !ok {
		log.Warn("llm judge reply unparseable, using rule verdict", "reply", truncate(answer, 200))
		return Verdict{Result: fallback}
	}

	v := Verdict{Judged: true, Provider: j.provider.Name(), Model: j.provider.Model(), Reason: r.Reason}
	switch strings.ToLower(r.Status) {
	case "success":
		v.Result = domain.Success()
	case "running":
		v.Result = domain.Running()
	default:
		v.Result = fallback
		if r.Reason != "" {
			v.Result.Detail = r.Reason
		}
	}
	log.Info("llm judge verdict", "script", jc.Script, "user", jc.User, "rule", fallback.Kind, "llm", v.Result.Kind)
	return v
}

func buildPrompt(text string, jc Context, fallback domain.Result) string {
	if len(text) > maxLogChars {
		cut := len(text) - maxLogChars
		for cut < len(text) && !utf8.RuneStart(text[cut]) {
			cut++
		}
		text = text[cut:]
	}
	return fmt.Sprintf("Tool: %s\nScript: %s\nUser: %s\nPhase: %s\nRule-based verdict: %s\n\nLog:\n%s",
		jc.Tool, jc.Script, jc.User, jc.Phase, fallback, text)
}

// parseReply accepts the JSON object alone or embedded in prose or a code fence.
func parseReply(s string) (reply, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return reply{}, false
	}
	var r reply
	if err := json.Unmarshal([]byte(s[start:end+1]), &r); err != nil {
		return reply{}, false
	}
	if _, ok := domain.ParseResultKind(strings.ToLower(r.Status)); !ok {
		return reply{}, false
	}
	return r, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
