package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fluxtalk/fluxtalk/internal/models"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	// CompletionPath is appended to a model source host to reach the
	// OpenAI-compatible chat completion endpoint.
	CompletionPath = "/v1/chat/completions"

	DefaultTimeout = 10 * time.Second

	localLabel  = "LM Studio"
	remoteLabel = "remote model"

	maxErrorBody = 64 << 10
)

// Reason classifies why a remote attempt did not produce a reply.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonTimeout   Reason = "timeout"
	ReasonStatus    Reason = "status"
	ReasonDecode    Reason = "decode"
	ReasonTransport Reason = "transport"
	// ReasonRequest means the request could not be built, so nothing was sent.
	ReasonRequest   Reason = "request"
)

// Result is the outcome of a single remote completion attempt.
type Result struct {
	Text   string
	Reason Reason
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

// Service decides between a remote completion endpoint and the local echo
// stub. It holds no per-request state.
type Service struct {
	logger     *zap.Logger
	httpClient *http.Client
}

type Option func(*options)

type options struct {
	timeout    time.Duration
	httpClient *http.Client
}

// WithTimeout bounds each remote attempt. A client given with WithHTTPClient
// is copied rather than modified.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHTTPClient replaces the client used for remote attempts.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func New(logger *zap.Logger, opts ...Option) *Service {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	client := &http.Client{Timeout: DefaultTimeout}
	if o.httpClient != nil {
		client = o.httpClient
	}
	if o.timeout > 0 {
		c := *client
		c.Timeout = o.timeout
		client = &c
	}
	return &Service{logger: logger, httpClient: client}
}

// Send returns the reply text for req. Remote failures are logged and
// replaced by the stub reply; Send never fails.
func (s *Service) Send(ctx context.Context, req models.ChatRequest) string {
	src := req.ModelSource
	if src != nil && !src.IsLocal && src.HostValue() != "" {
		res := s.Remote(ctx, src, req.Message)
		if res.OK() {
			return res.Text
		}
		s.logger.Warn("Falling back to stubbed reply due to remote error",
			zap.String("endpoint", Endpoint(src.HostValue())),
			zap.String("reason", string(res.Reason)),
			zap.Error(res.Err))
	}
	return StubReply(src, req.Message.Content)
}

// completionRequest is the chat completion body. Model is sent as null when
// the source names none.
type completionRequest struct {
	Model    *string                        `json:"model"`
	Messages []openai.ChatCompletionMessage `json:"messages"`
}

// Remote performs one completion request carrying only msg. The model id is
// passed through untouched, whatever the host. A response with no choices or
// no message content yields an empty, successful Result.
func (s *Service) Remote(ctx context.Context, src *models.ModelSourceInput, msg models.MessageInput) Result {
	body, err := json.Marshal(completionRequest{
		Model:    src.Model,
		Messages: []openai.ChatCompletionMessage{{Role: msg.Role, Content: msg.Content}},
	})
	if err != nil {
		return Result{Reason: ReasonRequest, Err: fmt.Errorf("failed to encode completion request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint(src.HostValue()), bytes.NewReader(body))
	if err != nil {
		return Result{Reason: ReasonRequest, Err: fmt.Errorf("failed to build completion request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := src.APIKeyValue(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Result{Reason: ReasonTimeout, Err: err}
		}
		return Result{Reason: ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Result{Reason: ReasonStatus, Err: statusError(resp)}
	}

	var out openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if isTimeout(err) {
			return Result{Reason: ReasonTimeout, Err: err}
		}
		return Result{Reason: ReasonDecode, Err: fmt.Errorf("failed to decode completion response: %w", err)}
	}

	if len(out.Choices) == 0 {
		return Result{}
	}
	return Result{Text: out.Choices[0].Message.Content}
}

// Endpoint is the completion URL derived from a model source host.
func Endpoint(host string) string {
	return strings.TrimRight(host, "/") + CompletionPath
}

// StubReply echoes content, labelled by where the reply would have come from.
func StubReply(src *models.ModelSourceInput, content string) string {
	label := localLabel
	if src != nil && !src.IsLocal {
		label = remoteLabel
	}
	return fmt.Sprintf("Echo from %s: %s", label, content)
}

// statusError turns a non-2xx response into an *openai.APIError when the
// body carries an OpenAI error envelope, or an *openai.RequestError otherwise.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var envelope openai.ErrorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.HTTPStatusCode = resp.StatusCode
		return envelope.Error
	}
	return &openai.RequestError{
		HTTPStatusCode: resp.StatusCode,
		Err:            fmt.Errorf("unexpected status %s", resp.Status),
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
}
