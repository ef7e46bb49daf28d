// Package remote talks to roaming counterparties (EMSPs): token authorization
// and CDR delivery.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/correlation"
	"evroaming/internal/metrics"
	"evroaming/internal/protocol"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Counterparty is a remote party this operator roams with.
type Counterparty struct {
	Name        string
	CountryCode string
	PartyId     string
	BaseURL     string
	// Token is the credential this operator presents to the counterparty.
	Token    string
	Priority int
}

func (c Counterparty) ProviderId() string { return c.CountryCode + "*" + c.PartyId }

type Options struct {
	// Self identifies this operator in the from-headers.
	SelfCountryCode string
	SelfPartyId     string
	Timeout         time.Duration
	// BreakerFailures consecutive failures open the breaker for BreakerOpenFor.
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

var ErrUnknownToken = errors.New("token unknown to counterparty")

type Client struct {
	cp      Counterparty
	opts    Options
	http    *resty.Client
	cb      *gobreaker.CircuitBreaker
	baseURL string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(cp Counterparty, opts Options, met *metrics.Metrics, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = 30 * time.Second
	}
	logger = logger.Named("remote").With(zap.String("counterparty", cp.ProviderId()))

	httpClient := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cp.ProviderId(),
		Timeout: opts.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Client{
		cp:      cp,
		opts:    opts,
		http:    httpClient,
		cb:      cb,
		baseURL: strings.TrimRight(cp.BaseURL, "/"),
		metrics: met,
		logger:  logger,
	}
}

func (c *Client) ProviderId() string { return c.cp.ProviderId() }

func (c *Client) Priority() int { return c.cp.Priority }

// rejection is a well-formed answer that refuses the request. It does not
// count against the breaker.
type rejection struct {
	httpStatus int
	env        protocol.RawResponse
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) (protocol.RawResponse, error) {
	ids := correlation.Outbound(ctx)
	result, err := c.cb.Execute(func() (any, error) {
		req := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Token "+c.cp.Token).
			SetHeader(protocol.HeaderRequestId, ids.RequestId).
			SetHeader(protocol.HeaderCorrelationId, ids.CorrelationId).
			SetHeader(protocol.HeaderFromCountryCode, c.opts.SelfCountryCode).
			SetHeader(protocol.HeaderFromPartyId, c.opts.SelfPartyId).
			SetHeader(protocol.HeaderToCountryCode, c.cp.CountryCode).
			SetHeader(protocol.HeaderToPartyId, c.cp.PartyId)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, c.baseURL+path)
		if err != nil {
			return nil, err
		}

		var env protocol.RawResponse
		decodeErr := json.Unmarshal(resp.Body(), &env)
		status := resp.StatusCode()
		if status >= 500 {
			return nil, fmt.Errorf("http %d", status)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("http %d: malformed envelope: %w", status, decodeErr)
		}
		if status >= 400 || !env.Success() {
			return rejection{httpStatus: status, env: env}, nil
		}
		return env, nil
	})

	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "circuit_open"
		}
		c.metrics.RemoteRequests.WithLabelValues(c.ProviderId(), op, outcome).Inc()
		c.logger.Warn("counterparty request failed",
			zap.String("op", op), zap.String("request_id", ids.RequestId),
			zap.String("correlation_id", ids.CorrelationId), zap.Error(err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.RawResponse{}, ctxErr
		}
		return protocol.RawResponse{}, apperrors.NewTransportError(c.ProviderId(), op).WithCause(err)
	}

	if rej, ok := result.(rejection); ok {
		c.metrics.RemoteRequests.WithLabelValues(c.ProviderId(), op, "rejected").Inc()
		c.logger.Info("counterparty rejected request",
			zap.String("op", op), zap.Int("http_status", rej.httpStatus),
			zap.Int("status_code", rej.env.StatusCode), zap.String("status_message", rej.env.StatusMessage),
			zap.String("request_id", ids.RequestId))
		if rej.httpStatus == http.StatusNotFound || rej.env.StatusCode == apperrors.StatusUnknownToken {
			return rej.env, ErrUnknownToken
		}
		return rej.env, apperrors.NewValidationError("REJECTED",
			fmt.Sprintf("%s refused %s: %d %s", c.ProviderId(), op, rej.env.StatusCode, rej.env.StatusMessage))
	}
	c.metrics.RemoteRequests.WithLabelValues(c.ProviderId(), op, "ok").Inc()
	return result.(protocol.RawResponse), nil
}

// AuthorizeToken asks the counterparty whether tokenUid may charge at ref.
// A token the counterparty does not know is reported as not allowed.
func (c *Client) AuthorizeToken(ctx context.Context, tokenUid string, ref protocol.LocationReferences) (protocol.AuthorizationInfo, error) {
	path := "/tokens/" + url.PathEscape(tokenUid) + "/authorize"
	env, err := c.do(ctx, "authorize", http.MethodPost, path, ref)
	if errors.Is(err, ErrUnknownToken) {
		return protocol.AuthorizationInfo{Allowed: protocol.AllowedNotAllowed}, nil
	}
	if err != nil {
		return protocol.AuthorizationInfo{}, err
	}
	var info protocol.AuthorizationInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return protocol.AuthorizationInfo{}, apperrors.NewTransportError(c.ProviderId(), "authorize: malformed payload").WithCause(err)
	}
	return info, nil
}

// PostCDR delivers a CDR.
func (c *Client) PostCDR(ctx context.Context, cdr protocol.CDR) error {
	_, err := c.do(ctx, "post_cdr", http.MethodPost, "/cdrs", cdr)
	return err
}
