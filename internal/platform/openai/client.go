package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yungbote/scenegraph-backend/internal/observability"
	"github.com/yungbote/scenegraph-backend/internal/platform/ctxutil"
	"github.com/yungbote/scenegraph-backend/internal/platform/envutil"
	"github.com/yungbote/scenegraph-backend/internal/platform/httpx"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

const responsesPath = "/v1/responses"

// ErrRefused marks a reply where the model declined to answer.
var ErrRefused = errors.New("openai: model refused")

// ErrEmptyOutput marks a successful reply that carried no output_text.
var ErrEmptyOutput = errors.New("openai: no output_text found in response")

// ImageInput is a multimodal image part.
type ImageInput struct {
	// https://... or data:image/...;base64,...
	ImageURL string
	// "low" | "high" | "auto"
	Detail string
}

// DataURL inlines raw image bytes as a data URL.
func DataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Client is the Responses API subset the pipeline uses.
type Client interface {
	Model() string

	// Raw output_text constrained by a json_schema response format. The text
	// is returned undecoded so callers can validate it themselves.
	GenerateJSONWithImages(ctx context.Context, system string, user string, images []ImageInput, schemaName string, schema map[string]any) (string, error)

	// Stream output_text deltas. Returns the full text.
	StreamText(ctx context.Context, system string, user string, onDelta func(delta string)) (string, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	// Nil omits temperature from requests.
	Temperature *float64
	// Comma-separated model ids that reject temperature; "*" suffix matches a prefix.
	NoTemperatureModels string
	RateLimitRPS        float64
	RateLimitBurst      int
}

func ConfigFromEnv() Config {
	cfg := Config{
		APIKey:              envutil.String("OPENAI_API_KEY", ""),
		BaseURL:             envutil.String("OPENAI_BASE_URL", "https://api.openai.com"),
		Model:               envutil.String("OPENAI_MODEL", "gpt-4o"),
		Timeout:             time.Duration(envutil.Int("OPENAI_TIMEOUT_SECONDS", 180)) * time.Second,
		MaxRetries:          envutil.Int("OPENAI_MAX_RETRIES", 0),
		NoTemperatureModels: envutil.String("OPENAI_NO_TEMPERATURE_MODELS", ""),
		RateLimitRPS:        envutil.Float("OPENAI_RATE_LIMIT_RPS", 0),
		RateLimitBurst:      envutil.Int("OPENAI_RATE_LIMIT_BURST", 1),
	}
	raw := strings.ToLower(envutil.String("OPENAI_TEMPERATURE", "0.2"))
	switch raw {
	case "off", "none", "nil", "false":
	default:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Temperature = &f
		}
	}
	return cfg
}

// WithModel returns a client that sends requests to model. The rate limiter
// and learned temperature rules stay shared with base.
func WithModel(base Client, model string) Client {
	model = strings.TrimSpace(model)
	if base == nil || model == "" {
		return base
	}
	if c, ok := base.(*client); ok {
		clone := *c
		clone.model = model
		return &clone
	}
	return base
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
	limiter    *rate.Limiter

	temperature *float64
	noTemp      *tempRules
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	models, prefixes := parseNoTempModelRules(cfg.NoTemperatureModels)
	return &client{
		log:         log.With("client", "OpenAIClient"),
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		limiter:     limiter,
		temperature: cfg.Temperature,
		noTemp: &tempRules{
			models:   models,
			prefixes: prefixes,
			seen:     map[string]time.Time{},
			ttl:      24 * time.Hour,
		},
	}, nil
}

func (c *client) Model() string { return c.model }

// tempRules tracks models that reject the temperature parameter, from static
// config and from 400s observed at runtime.
type tempRules struct {
	models   map[string]bool
	prefixes []string

	mu   sync.RWMutex
	seen map[string]time.Time
	ttl  time.Duration
}

func normalizeModelKey(m string) string {
	return strings.ToLower(strings.TrimSpace(m))
}

func parseNoTempModelRules(raw string) (map[string]bool, []string) {
	m := map[string]bool{}
	var prefixes []string
	for _, part := range strings.Split(raw, ",") {
		s := normalizeModelKey(part)
		if s == "" {
			continue
		}
		if strings.HasSuffix(s, "*") {
			p := strings.TrimSpace(strings.TrimRight(strings.TrimSuffix(s, "*"), "-_./:"))
			if p != "" {
				prefixes = append(prefixes, p)
			}
			continue
		}
		m[s] = true
	}
	return m, prefixes
}

func (r *tempRules) rejects(model string) bool {
	m := normalizeModelKey(model)
	if r == nil || m == "" {
		return false
	}
	if r.models[m] {
		return true
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	r.mu.RLock()
	ts, ok := r.seen[m]
	r.mu.RUnlock()
	return ok && (r.ttl <= 0 || time.Since(ts) < r.ttl)
}

func (r *tempRules) note(model string) {
	m := normalizeModelKey(model)
	if r == nil || m == "" {
		return
	}
	r.mu.Lock()
	r.seen[m] = time.Now().UTC()
	r.mu.Unlock()
}

func (c *client) applyTemperature(req *responsesRequest) {
	if req == nil || c.temperature == nil || c.noTemp.rejects(req.Model) {
		return
	}
	t := *c.temperature
	req.Temperature = &t
}

type openAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *openAIHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func isUnsupportedTemperatureMessage(s string) bool {
	msg := strings.ToLower(strings.TrimSpace(s))
	if !strings.Contains(msg, "temperature") {
		return false
	}
	for _, marker := range []string{
		"unsupported parameter",
		"unknown parameter",
		"unrecognized parameter",
		"not supported",
		"does not support",
		"only the default",
		"unsupported_value",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isUnsupportedTemperatureParam(err error) bool {
	var httpErr *openAIHTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		return false
	}
	return isUnsupportedTemperatureMessage(httpErr.Body)
}

func (c *client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, nil, err
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

// do retries transient failures maxRetries times. Callers with their own
// attempt budget run with maxRetries 0.
func (c *client) do(ctx context.Context, method, path string, body *responsesRequest, out any) error {
	backoff := 1 * time.Second
	start := time.Now()
	model := ""
	if body != nil {
		model = body.Model
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			inputTokens, outputTokens := extractUsageFromRaw(raw)
			observability.Current().ObserveLLMRequest(model, path, statusFromResp(resp), time.Since(start), inputTokens, outputTokens)
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("openai decode error: %w", uErr)
			}
			return nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			observability.Current().ObserveLLMRequest(model, path, statusFromRespErr(resp, err), time.Since(start), 0, 0)
			return err
		}

		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("OpenAI request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		if err := httpx.Sleep(ctx, sleepFor); err != nil {
			return err
		}
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

// doWithTempFallback retries exactly once without temperature if the model rejects it.
func (c *client) doWithTempFallback(ctx context.Context, req *responsesRequest, out any) error {
	err := c.do(ctx, http.MethodPost, responsesPath, req, out)
	if err == nil || req.Temperature == nil || !isUnsupportedTemperatureParam(err) {
		return err
	}
	c.noTemp.note(req.Model)
	req.Temperature = nil
	return c.do(ctx, http.MethodPost, responsesPath, req, out)
}

// -------------------- Responses API --------------------

type responsesInput struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responsesRequest struct {
	Model string           `json:"model"`
	Input []responsesInput `json:"input"`

	Text *struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`

	Stream bool `json:"stream,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type    string `json:"type"`
			Text    string `json:"text,omitempty"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func extractOutputText(resp responsesResponse) string {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					out.WriteString(c.Text)
				}
			}
		}
	}
	return out.String()
}

func extractRefusal(resp responsesResponse) string {
	if resp.Refusal != "" {
		return resp.Refusal
	}
	for _, item := range resp.Output {
		for _, c := range item.Content {
			if c.Type == "refusal" && c.Refusal != "" {
				return c.Refusal
			}
		}
	}
	return ""
}

func userContent(user string, images []ImageInput) any {
	parts := make([]map[string]any, 0, 1+len(images))
	parts = append(parts, map[string]any{"type": "input_text", "text": user})
	for _, img := range images {
		u := strings.TrimSpace(img.ImageURL)
		if u == "" {
			continue
		}
		item := map[string]any{"type": "input_image", "image_url": u}
		if d := strings.TrimSpace(img.Detail); d != "" {
			item["detail"] = d
		}
		parts = append(parts, item)
	}
	if len(parts) == 1 {
		return user
	}
	return parts
}

func (c *client) newResponsesRequest(system, user string, images []ImageInput) responsesRequest {
	req := responsesRequest{
		Model: c.model,
		Input: []responsesInput{
			{Role: "system", Content: strings.TrimSpace(system)},
			{Role: "user", Content: userContent(user, images)},
		},
	}
	c.applyTemperature(&req)
	return req
}

func (c *client) complete(ctx context.Context, req *responsesRequest) (string, error) {
	var resp responsesResponse
	if err := c.doWithTempFallback(ctx, req, &resp); err != nil {
		return "", err
	}
	if r := extractRefusal(resp); r != "" {
		return "", fmt.Errorf("%w: %s", ErrRefused, r)
	}
	text := extractOutputText(resp)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyOutput
	}
	return text, nil
}

func (c *client) GenerateJSONWithImages(ctx context.Context, system string, user string, images []ImageInput, schemaName string, schema map[string]any) (string, error) {
	if schemaName == "" {
		return "", errors.New("schemaName required")
	}
	if schema == nil {
		return "", errors.New("schema required")
	}
	req := c.newResponsesRequest(system, user, images)
	req.Text = &struct {
		Format map[string]any `json:"format,omitempty"`
	}{Format: map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		// Property bags are open-ended, which strict mode cannot express.
		"strict": false,
	}}
	return c.complete(ctx, &req)
}

// StreamText streams output_text deltas from the Responses API. Each
// non-empty delta is forwarded to onDelta and accumulated into the returned
// text. A failure mid-stream returns the text received so far with the error.
func (c *client) StreamText(ctx context.Context, system string, user string, onDelta func(delta string)) (string, error) {
	reqBody := c.newResponsesRequest(system, user, nil)
	reqBody.Stream = true
	start := time.Now()
	inputTokens := estimateTokens(system) + estimateTokens(user)

	doStream := func(body *responsesRequest) (*http.Response, error) {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		req, err := c.newRequest(ctx, http.MethodPost, responsesPath, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	resp, err := doStream(&reqBody)
	if err != nil && reqBody.Temperature != nil && isUnsupportedTemperatureParam(err) {
		c.noTemp.note(reqBody.Model)
		reqBody.Temperature = nil
		resp, err = doStream(&reqBody)
	}
	if err != nil {
		observability.Current().ObserveLLMRequest(reqBody.Model, responsesPath, statusFromRespErr(nil, err), time.Since(start), inputTokens, 0)
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	completed := false
	err = streamSSE(resp.Body, func(event string, data string) error {
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			return nil
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			return nil
		}
		evt := strings.TrimSpace(event)
		if t, ok := obj["type"].(string); ok && strings.TrimSpace(t) != "" {
			evt = strings.TrimSpace(t)
		}
		switch {
		case strings.HasSuffix(evt, "refusal.delta"), strings.HasSuffix(evt, "refusal.done"):
			r, _ := obj["refusal"].(string)
			if r == "" {
				r, _ = obj["delta"].(string)
			}
			return fmt.Errorf("%w: %s", ErrRefused, r)
		case evt == "error" || evt == "response.failed":
			b, _ := json.Marshal(obj)
			return fmt.Errorf("openai stream error: %s", string(b))
		case evt == "response.completed":
			completed = true
		case strings.Contains(evt, "output_text.delta"):
			d, _ := obj["delta"].(string)
			d = strings.TrimRight(d, "\u0000")
			if d == "" {
				return nil
			}
			full.WriteString(d)
			if onDelta != nil {
				onDelta(d)
			}
		}
		return nil
	})
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && !completed {
		// A stream that closes before response.completed was cut off, even
		// if some text already arrived.
		if full.Len() == 0 {
			err = ErrEmptyOutput
		} else {
			err = fmt.Errorf("openai stream ended before response.completed: %w", io.ErrUnexpectedEOF)
		}
	}
	status := statusFromResp(resp)
	if err != nil {
		status = statusFromRespErr(nil, err)
	}
	observability.Current().ObserveLLMRequest(reqBody.Model, responsesPath, status, time.Since(start), inputTokens, estimateTokens(full.String()))
	return full.String(), err
}

func extractUsageFromRaw(raw []byte) (int, int) {
	if len(raw) == 0 {
		return 0, 0
	}
	var payload struct {
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Usage == nil {
		return 0, 0
	}
	inTokens := intFromAny(payload.Usage["input_tokens"])
	outTokens := intFromAny(payload.Usage["output_tokens"])
	if inTokens == 0 && outTokens == 0 {
		inTokens = intFromAny(payload.Usage["prompt_tokens"])
		outTokens = intFromAny(payload.Usage["completion_tokens"])
	}
	return inTokens, outTokens
}

func intFromAny(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return 0
}

func statusFromResp(resp *http.Response) string {
	if resp == nil {
		return "unknown"
	}
	return strconv.Itoa(resp.StatusCode)
}

func statusFromRespErr(resp *http.Response, err error) string {
	if resp != nil {
		return strconv.Itoa(resp.StatusCode)
	}
	var httpErr *openAIHTTPError
	if errors.As(err, &httpErr) {
		return strconv.Itoa(httpErr.StatusCode)
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, ErrRefused) {
		return "refused"
	}
	return "error"
}

// EstimateTokens approximates tokens as a quarter of the rune count.
func EstimateTokens(text string) int { return estimateTokens(text) }

func estimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len([]rune(text))) / 4.0))
}
