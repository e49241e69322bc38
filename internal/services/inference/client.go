// Package inference talks to a local OpenAI-compatible chat endpoint (Ollama by default).
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/router"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.2:3b"
	chatPath       = "/v1/chat/completions"
)

// Inferable produces the raw model output for a conversation window.
type Inferable interface {
	Infer(ctx context.Context, turns []entities.Turn, tools []router.Definition) (string, error)
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("inference: circuit open")

// Error is a failed inference call. Status is 0 for transport failures.
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("inference: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("inference: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	// Retries of transport errors and 5xx; 4xx is never retried.
	Retries int

	BreakerFails    int
	BreakerOpen     time.Duration
	BreakerInterval time.Duration
}

type Client struct {
	http *resty.Client
	cb   *gobreaker.CircuitBreaker
	cfg  Config
	log  *zap.Logger
}

func mkCB(name string, fails int, open, interval time.Duration, log *zap.Logger) *gobreaker.CircuitBreaker {
	if fails <= 0 {
		fails = 3
	}
	if open <= 0 {
		open = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: interval,
		Timeout:  open,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("breaker state change", zap.String("breaker", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

func New(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		h.SetAuthToken(cfg.APIKey)
	}
	return &Client{
		http: h,
		cb:   mkCB("inference", cfg.BreakerFails, cfg.BreakerOpen, cfg.BreakerInterval, log),
		cfg:  cfg,
		log:  log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []chatMessage       `json:"messages"`
	Tools       []router.Definition `json:"tools,omitempty"`
	ToolChoice  string              `json:"tool_choice,omitempty"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream"`
}

type toolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Infer sends the window and returns the reply text. A native tool call is
// rendered as {"call": name, "arguments": {...}} so the router sees one format.
func (c *Client) Infer(ctx context.Context, turns []entities.Turn, tools []router.Definition) (string, error) {
	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    make([]chatMessage, 0, len(turns)),
		Tools:       tools,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if len(tools) > 0 {
		req.ToolChoice = "auto"
	}
	for _, t := range turns {
		req.Messages = append(req.Messages, chatMessage{Role: string(t.Role), Content: t.Content})
	}

	res, err := c.cb.Execute(func() (any, error) { return c.post(ctx, req) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrCircuitOpen
		}
		return "", err
	}
	out := res.(string)
	c.log.Debug("inference reply", zap.Int("turns", len(turns)), zap.Int("bytes", len(out)))
	return out, nil
}

// Model is the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Warmup sends a one-word prompt so the server loads the model before the
// first real utterance.
func (c *Client) Warmup(ctx context.Context) error {
	start := time.Now()
	_, err := c.Infer(ctx, []entities.Turn{{Role: entities.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		return fmt.Errorf("warmup %s: %w", c.cfg.Model, err)
	}
	c.log.Info("model ready", zap.String("model", c.cfg.Model), zap.Duration("took", time.Since(start)))
	return nil
}

func (c *Client) post(ctx context.Context, body chatRequest) (string, error) {
	var out string
	op := func() error {
		var resp chatResponse
		r, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&resp).
			SetError(&resp).
			Post(chatPath)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(&Error{Err: ctx.Err()})
			}
			return &Error{Err: err}
		}
		if r.IsError() {
			e := &Error{Status: r.StatusCode(), Err: errors.New(http.StatusText(r.StatusCode()))}
			if resp.Error != nil && resp.Error.Message != "" {
				e.Err = errors.New(resp.Error.Message)
			}
			if r.StatusCode() < 500 {
				return backoff.Permanent(e)
			}
			return e
		}
		text, err := render(resp)
		if err != nil {
			return backoff.Permanent(&Error{Status: r.StatusCode(), Err: err})
		}
		out = text
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.Retries)), ctx),
		func(err error, wait time.Duration) {
			c.log.Warn("inference call failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		})
	if err != nil {
		var ie *Error
		if !errors.As(err, &ie) {
			err = &Error{Err: err}
		}
		return "", err
	}
	return out, nil
}

func render(resp chatResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return msg.Content, nil
	}
	fn := msg.ToolCalls[0].Function
	args := fn.Arguments
	// Some servers send arguments as a JSON-encoded string.
	var s string
	if json.Unmarshal(args, &s) == nil {
		args = json.RawMessage(s)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		b, _ := json.Marshal(map[string]any{"function": map[string]any{"name": fn.Name, "arguments": string(args)}})
		return string(b), nil
	}
	b, err := json.Marshal(struct {
		Call      string          `json:"call"`
		Arguments json.RawMessage `json:"arguments"`
	}{fn.Name, args})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
