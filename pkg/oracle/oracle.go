// Package oracle consults an external LLM subprocess for task sizing and
// natural-language schedule parsing. The supervisor only ever sees the
// JSON result; when the oracle is missing or unsure, a local keyword
// heuristic takes over.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/models"
)

// ConfidenceFloor is the oracle confidence below which the heuristic
// decides the plan and the oracle hint is only recorded.
const ConfidenceFloor = 0.7

// Complexity classes reported by the oracle and the heuristic.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// Sources identify where a complexity result came from.
const (
	SourceOracle    = "oracle"
	SourceHeuristic = "heuristic"
	SourceMerged    = "merged"
	SourceMock      = "mock"
)

// ComplexityResult is the oracle's (or heuristic's) sizing of a task.
type ComplexityResult struct {
	Complexity string  `json:"complexity"`
	Model      string  `json:"model"`
	Iterations int     `json:"iterations"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Source     string  `json:"source,omitempty"`
}

// CronResult is the oracle's translation of a natural-language time
// expression.
type CronResult struct {
	Cron        string              `json:"cron"`
	Type        models.ScheduleType `json:"type"`
	Explanation string              `json:"explanation"`
}

// Gateway runs oracle calls as one-shot subprocesses with the request on
// stdin and a JSON reply on stdout.
type Gateway struct {
	cfg   *config.OracleConfig
	cache *ttlCache
}

func New(cfg *config.OracleConfig) *Gateway {
	return &Gateway{
		cfg:   cfg,
		cache: newTTLCache(cfg.CacheTTL, cfg.CacheMaxEntries),
	}
}

// AnalyzeComplexity sizes a task. The oracle's answer wins when it is
// available and confident; otherwise the heuristic decides and a
// low-confidence oracle hint is folded into the reasoning. The result is
// always usable, so callers never fail a submission on oracle trouble.
func (g *Gateway) AnalyzeComplexity(ctx context.Context, task string) *ComplexityResult {
	key := "complexity:" + normalize(task)
	if v, ok := g.cache.get(key); ok {
		return v.(*ComplexityResult)
	}

	if g.cfg.Mock {
		res := Heuristic(task)
		res.Confidence = 1
		res.Source = SourceMock
		g.cache.put(key, res)
		return res
	}

	hint, err := g.consultComplexity(ctx, task)
	if err != nil {
		// Not cached: a recovered oracle gets consulted on the next call.
		slog.Warn("Oracle complexity analysis failed, using heuristic",
			"error", err)
		return Heuristic(task)
	}

	res := hint
	if hint.Confidence < ConfidenceFloor {
		res = Heuristic(task)
		res.Source = SourceMerged
		res.Confidence = hint.Confidence
		res.Reasoning = fmt.Sprintf("%s; oracle (confidence %.2f): %s",
			res.Reasoning, hint.Confidence, hint.Reasoning)
	}
	g.cache.put(key, res)
	return res
}

// ParseCron translates a natural-language time expression into a five-field
// cron expression. ref anchors relative phrases such as "tomorrow morning".
// Unlike complexity analysis there is no local fallback, so oracle trouble
// surfaces as an error.
func (g *Gateway) ParseCron(ctx context.Context, naturalLanguage string, ref time.Time) (*CronResult, error) {
	if expr, ok := passthroughCron(naturalLanguage); ok {
		return &CronResult{
			Cron:        expr,
			Type:        models.ScheduleRecurring,
			Explanation: "input is already a cron expression",
		}, nil
	}

	key := "cron:" + normalize(naturalLanguage)
	if v, ok := g.cache.get(key); ok {
		return v.(*CronResult), nil
	}

	if g.cfg.Mock {
		res := mockCron(naturalLanguage)
		g.cache.put(key, res)
		return res, nil
	}

	var res *CronResult
	err := g.consult(ctx, g.cfg.CronTimeout, cronPrompt(naturalLanguage, ref), func(raw []byte) error {
		parsed, err := parseCronReply(raw)
		if err != nil {
			return err
		}
		res = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.cache.put(key, res)
	return res, nil
}

func (g *Gateway) consultComplexity(ctx context.Context, task string) (*ComplexityResult, error) {
	var res *ComplexityResult
	err := g.consult(ctx, g.cfg.ComplexityTimeout, complexityPrompt(task), func(raw []byte) error {
		parsed, err := parseComplexity(raw)
		if err != nil {
			return err
		}
		res = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// consult probes for the oracle command, then runs invoke+decode with
// bounded retries and progressive delay. Parse failures are retried like
// invocation failures since the reply may well be fine next time.
func (g *Gateway) consult(ctx context.Context, timeout time.Duration, prompt string, decode func([]byte) error) error {
	if _, err := exec.LookPath(g.cfg.Command); err != nil {
		return droverr.Wrap(droverr.CodeOracleUnavailable, err,
			"oracle command %q not on PATH", g.cfg.Command)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 4 * time.Second
	bo.Multiplier = 2

	retries := g.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	return backoff.Retry(func() error {
		reply, err := g.runOnce(ctx, timeout, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(droverr.Wrap(droverr.CodeCancelled, ctx.Err(), "oracle call cancelled"))
			}
			return droverr.Wrap(droverr.CodeOracleUnavailable, err, "oracle invocation failed")
		}
		raw, err := extractJSON(reply)
		if err != nil {
			return err
		}
		return decode(raw)
	}, policy)
}

func (g *Gateway) runOnce(ctx context.Context, timeout time.Duration, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, g.cfg.Command, g.cfg.Args...)
	cmd.Stdin = strings.NewReader(prompt)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func complexityPrompt(task string) string {
	return fmt.Sprintf(`Estimate how much iterative work this task needs.
Reply with a single JSON object and no surrounding text:
{"complexity":"simple|moderate|complex","model":"default|heavy","iterations":<1-20>,"confidence":<0.0-1.0>,"reasoning":"<one sentence>"}

Task: %s`, task)
}

func cronPrompt(naturalLanguage string, ref time.Time) string {
	return fmt.Sprintf(`Translate this schedule into a standard five-field cron expression.
The current time is %s.
Reply with a single JSON object and no surrounding text:
{"cron":"<minute hour day month weekday>","type":"once|recurring","explanation":"<one sentence>"}

Schedule: %s`, ref.Format(time.RFC3339), naturalLanguage)
}

// extractJSON returns the first complete JSON object in reply, tolerating
// prose before and after it.
func extractJSON(reply string) ([]byte, error) {
	for i := 0; i < len(reply); i++ {
		if reply[i] != '{' {
			continue
		}
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(reply[i:])).Decode(&raw); err == nil {
			return raw, nil
		}
	}
	return nil, droverr.New(droverr.CodeOracleInvalidResponse, "no JSON object in oracle reply")
}

func parseComplexity(raw []byte) (*ComplexityResult, error) {
	var res ComplexityResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, droverr.Wrap(droverr.CodeOracleInvalidResponse, err, "malformed complexity reply")
	}

	switch res.Complexity {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
	default:
		return nil, droverr.New(droverr.CodeOracleInvalidResponse, "unknown complexity %q", res.Complexity)
	}
	switch res.Model {
	case models.ModelDefault, models.ModelHeavy:
	default:
		return nil, droverr.New(droverr.CodeOracleInvalidResponse, "unknown model %q", res.Model)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return nil, droverr.New(droverr.CodeOracleInvalidResponse, "confidence %v outside [0,1]", res.Confidence)
	}

	// Out-of-range iteration counts are clamped, not rejected.
	if res.Iterations < models.MinIterations {
		res.Iterations = models.MinIterations
	}
	if res.Iterations > models.MaxIterations {
		res.Iterations = models.MaxIterations
	}

	res.Source = SourceOracle
	return &res, nil
}

func parseCronReply(raw []byte) (*CronResult, error) {
	var res CronResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, droverr.Wrap(droverr.CodeOracleInvalidResponse, err, "malformed cron reply")
	}

	if len(strings.Fields(res.Cron)) != 5 {
		return nil, droverr.New(droverr.CodeOracleInvalidResponse, "cron %q is not five fields", res.Cron)
	}
	switch res.Type {
	case models.ScheduleOnce, models.ScheduleRecurring:
	default:
		return nil, droverr.New(droverr.CodeOracleInvalidResponse, "unknown schedule type %q", res.Type)
	}
	return &res, nil
}

// passthroughCron detects input that is already a cron expression, which
// needs no oracle round trip.
func passthroughCron(s string) (string, bool) {
	fields := strings.Fields(s)
	if len(fields) != 5 {
		return "", false
	}
	for _, f := range fields {
		for _, r := range f {
			if !strings.ContainsRune("0123456789*/,-", r) {
				return "", false
			}
		}
	}
	return strings.Join(fields, " "), true
}

// mockCron keeps schedule tests deterministic without a live oracle.
func mockCron(naturalLanguage string) *CronResult {
	lower := strings.ToLower(naturalLanguage)
	scheduleType := models.ScheduleRecurring
	if strings.Contains(lower, "once") || strings.Contains(lower, "tomorrow") {
		scheduleType = models.ScheduleOnce
	}
	return &CronResult{
		Cron:        "0 9 * * *",
		Type:        scheduleType,
		Explanation: "mock oracle response",
	}
}
