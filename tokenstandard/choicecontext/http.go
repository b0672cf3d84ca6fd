package choicecontext

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/circuitbreaker"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
)

var (
	// ErrInvalidBaseURL is returned when the registry URL is not absolute http(s).
	ErrInvalidBaseURL = errors.New("choicecontext: registry base url must be an absolute http or https url")
	// ErrRegistryUnavailable wraps transport failures and 5xx responses.
	ErrRegistryUnavailable = errors.New("choicecontext: registry unavailable")
	// ErrRequestRejected wraps 4xx responses that carry no known error code.
	ErrRequestRejected = errors.New("choicecontext: registry rejected the request")
)

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithBreakerManager shares a breaker manager, so several providers pointed
// at the same registry trip together.
func WithBreakerManager(m circuitbreaker.Manager) HTTPOption {
	return func(p *HTTPProvider) {
		if m != nil {
			p.breakers = m
		}
	}
}

// WithBreakerConfig sets the breaker configuration used on first registration.
func WithBreakerConfig(cfg circuitbreaker.Config) HTTPOption {
	return func(p *HTTPProvider) { p.breakerConfig = cfg }
}

// WithHTTPRetryPolicy sets the retry policy for transient failures.
func WithHTTPRetryPolicy(policy backoff.Policy) HTTPOption {
	return func(p *HTTPProvider) { p.retry = policy }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l log.Logger) HTTPOption {
	return func(p *HTTPProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// HTTPProvider fetches choice contexts from an off-ledger registry API.
// Calls go through a per-registry circuit breaker and transient failures
// are retried with backoff. Error codes returned by the registry are mapped
// back to their sentinels, so a stale reference stays stale across the wire.
type HTTPProvider struct {
	baseURL       *url.URL
	service       string
	client        *http.Client
	breakers      circuitbreaker.Manager
	breakerConfig circuitbreaker.Config
	retry         backoff.Policy
	logger        log.Logger
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider builds a provider for the registry served at baseURL.
func NewHTTPProvider(baseURL string, opts ...HTTPOption) (*HTTPProvider, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidBaseURL
	}

	p := &HTTPProvider{
		baseURL:       u,
		service:       "registry:" + u.Host,
		client:        &http.Client{Timeout: defaultHTTPTimeout},
		breakerConfig: circuitbreaker.HTTPServiceConfig(),
		retry:         backoff.Policy{Base: 50 * time.Millisecond, Max: time.Second, MaxAttempts: 3},
		logger:        log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.breakers == nil {
		p.breakers = circuitbreaker.NewManager(p.logger)
	}

	p.breakers.GetOrCreate(p.service, p.breakerConfig)

	return p, nil
}

// fetched carries a registry answer through the breaker. A rejection is an
// answer, so it does not count against the breaker.
type fetched struct {
	resp Response
	err  error
}

type factoryBody struct {
	ChoiceArguments    json.RawMessage `json:"choiceArguments"`
	ExcludeDebugFields bool            `json:"excludeDebugFields"`
}

// ChoiceContext implements Provider.
func (p *HTTPProvider) ChoiceContext(ctx context.Context, req Request) (Response, error) {
	_, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "choicecontext.http.fetch")
	defer span.End()

	span.SetAttributes(
		attribute.String("choice_context.kind", string(req.Kind)),
		attribute.String("choice_context.contract_id", string(req.ContractID)),
	)

	method, path, err := Route(req)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Invalid choice context request", err)
		return Response{}, err
	}

	var body []byte

	if method == http.MethodPost {
		args := req.ChoiceArguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}

		if body, err = json.Marshal(factoryBody{ChoiceArguments: args, ExcludeDebugFields: req.ExcludeDebugFields}); err != nil {
			return Response{}, err
		}
	}

	var resp Response

	err = backoff.Retry(ctx, p.retry, func(ctx context.Context) error {
		out, err := p.breakers.Execute(p.service, func() (any, error) {
			r, err := p.do(ctx, method, path, body)
			if err != nil && !errors.Is(err, ErrRegistryUnavailable) {
				return fetched{err: err}, nil
			}

			return fetched{resp: r}, err
		})
		if err != nil {
			return err
		}

		f := out.(fetched)
		resp = f.resp

		return f.err
	}, func(err error) bool {
		return errors.Is(err, ErrRegistryUnavailable) && !errors.Is(err, circuitbreaker.ErrOpen)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to fetch choice context", err)
		return Response{}, err
	}

	if resp.Disclosed == nil {
		resp.Disclosed = Disclosures{}
	}

	if resp.Context.Values == nil {
		resp.Context.Values = map[string]Value{}
	}

	return resp, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte) (Response, error) {
	target := p.baseURL.JoinPath(path)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return Response{}, err
	}

	httpReq.Header.Set("Accept", "application/json")

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	opentelemetry.InjectHTTPContext(ctx, httpReq.Header)

	res, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("%w: read body: %w", ErrRegistryUnavailable, err)
	}

	if res.StatusCode >= http.StatusInternalServerError {
		p.logger.Log(ctx, log.LevelWarn, "registry returned server error",
			log.Int("status", res.StatusCode), log.String("path", path))

		return Response{}, fmt.Errorf("%w: status %d", ErrRegistryUnavailable, res.StatusCode)
	}

	if res.StatusCode >= http.StatusBadRequest {
		return Response{}, decodeRegistryError(res.StatusCode, raw)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("choicecontext: decode registry response: %w", err)
	}

	return out, nil
}

// decodeRegistryError rebuilds the sentinel behind a registry error body.
func decodeRegistryError(status int, raw []byte) error {
	var body tokenstandard.Response
	_ = json.Unmarshal(raw, &body)

	sentinel := constant.ErrorByCode(body.Code)

	switch {
	case sentinel == nil:
		return fmt.Errorf("%w: status %d: %s", ErrRequestRejected, status, body.Message)
	case errors.Is(sentinel, constant.ErrStaleReference):
		return fmt.Errorf("%w: %s", ledger.ErrStaleReference, body.Message)
	case errors.Is(sentinel, constant.ErrContention):
		return fmt.Errorf("%w: %s", ledger.ErrContention, body.Message)
	default:
		return fmt.Errorf("%w: %s", sentinel, body.Message)
	}
}
