package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	"ticketbridge/internal/security"
)

const maxBodyBytes = 1 << 20

var tracer = otel.Tracer("ticketbridge/internal/oauth")

// base holds what every provider client shares: the oauth2 config, the HTTP
// client, and the call wrapper that enforces timeouts and maps errors.
type base struct {
	provider connectiondomain.Provider
	oauth    *oauth2.Config
	apiURL   string
	timeout  time.Duration
	client   *http.Client
	// tokenClient calls the token endpoint; it may add headers the API client does not.
	tokenClient *http.Client
	observer    CallObserver
}

func newBase(p connectiondomain.Provider, cfg Config) base {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return base{
		provider: p,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		timeout:     timeout,
		client:      client,
		tokenClient: client,
		observer:    cfg.Observer,
	}
}

func (b *base) Provider() connectiondomain.Provider { return b.provider }

// call runs fn under the per-call timeout inside a span and reports it to the observer.
func (b *base) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, string(b.provider)+"."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("oauth.provider", string(b.provider))))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if b.observer != nil {
		b.observer.ObserveProviderCall(string(b.provider), op, err, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	return err
}

func (b *base) authCodeURL(state, redirectURI string, extra ...oauth2.AuthCodeOption) string {
	opts := extra
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	return b.oauth.AuthCodeURL(state, opts...)
}

// tokenContext makes x/oauth2 use the configured HTTP client.
func (b *base) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.tokenClient)
}

func (b *base) exchange(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperr.Validation("code", "is required")
	}
	var out *TokenSet
	err := b.call(ctx, "exchange_code", func(ctx context.Context) error {
		var opts []oauth2.AuthCodeOption
		if redirectURI != "" {
			opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
		}
		tok, err := b.oauth.Exchange(b.tokenContext(ctx), code, opts...)
		if err != nil {
			return b.tokenError("exchange_code", apperr.ErrOAuthExchangeFailed, err)
		}
		out = toTokenSet(tok, time.Now())
		return nil
	})
	return out, err
}

func (b *base) refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, &apperr.ProviderError{Kind: apperr.ErrOAuthRefreshFailed, Provider: string(b.provider), Op: "refresh", Detail: "no refresh token"}
	}
	var out *TokenSet
	err := b.call(ctx, "refresh", func(ctx context.Context) error {
		src := b.oauth.TokenSource(b.tokenContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return b.tokenError("refresh", apperr.ErrOAuthRefreshFailed, err)
		}
		out = toTokenSet(tok, time.Now())
		return nil
	})
	return out, err
}

// tokenError maps a token endpoint failure. A 4xx response or an error field is
// kind; timeouts are ErrProviderTimeout; transport failures and 5xx are ErrProviderError.
func (b *base) tokenError(op string, kind, err error) error {
	pe := &apperr.ProviderError{Kind: kind, Provider: string(b.provider), Op: op}
	var re *oauth2.RetrieveError
	switch {
	case isTimeout(err):
		pe.Kind = apperr.ErrProviderTimeout
	case errors.As(err, &re):
		if re.Response != nil {
			pe.StatusCode = re.Response.StatusCode
		}
		if pe.StatusCode >= 500 {
			pe.Kind = apperr.ErrProviderError
		}
		pe.Detail = retrieveDetail(re)
	case isTransport(err):
		pe.Kind = apperr.ErrProviderError
		pe.Detail = security.Redact(err.Error())
	default:
		pe.Detail = security.Redact(err.Error())
	}
	return pe
}

func retrieveDetail(re *oauth2.RetrieveError) string {
	if re.ErrorCode != "" {
		d := re.ErrorCode
		if re.ErrorDescription != "" {
			d += ": " + re.ErrorDescription
		}
		return security.Redact(d)
	}
	return security.Redact(strings.TrimSpace(string(re.Body)))
}

func toTokenSet(tok *oauth2.Token, now time.Time) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scopes = parseScopes(scope)
	}
	if !tok.Expiry.IsZero() {
		ts.ExpiresIn = max(int64(tok.Expiry.Sub(now).Round(time.Second)/time.Second), 1)
	}
	return ts
}

// apiRequest describes one authenticated JSON call.
type apiRequest struct {
	op     string
	method string
	url    string
	token  string
	body   any
	out    any
	// kind is the error for non-2xx responses; defaults to apperr.ErrProviderError.
	kind    error
	headers map[string]string
}

// do sends r and decodes a 2xx body into r.out. It returns the response headers.
func (b *base) do(ctx context.Context, r apiRequest) (http.Header, error) {
	kind := r.kind
	if kind == nil {
		kind = apperr.ErrProviderError
	}
	var header http.Header
	err := b.call(ctx, r.op, func(ctx context.Context) error {
		var body io.Reader
		if r.body != nil {
			buf, err := json.Marshal(r.body)
			if err != nil {
				return fmt.Errorf("encode %s request: %w", r.op, err)
			}
			body = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
		if err != nil {
			return fmt.Errorf("build %s request: %w", r.op, err)
		}
		req.Header.Set("Authorization", "Bearer "+r.token)
		req.Header.Set("Accept", "application/json")
		if r.body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range r.headers {
			req.Header.Set(k, v)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			pe := &apperr.ProviderError{Kind: kind, Provider: string(b.provider), Op: r.op, Detail: security.Redact(err.Error(), r.token)}
			if isTimeout(err) {
				pe.Kind = apperr.ErrProviderTimeout
			}
			return pe
		}
		defer resp.Body.Close()
		header = resp.Header

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			pe := &apperr.ProviderError{Kind: kind, Provider: string(b.provider), Op: r.op, StatusCode: resp.StatusCode, Detail: "read body: " + err.Error()}
			if isTimeout(err) {
				pe.Kind = apperr.ErrProviderTimeout
			}
			return pe
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &apperr.ProviderError{
				Kind:       kind,
				Provider:   string(b.provider),
				Op:         r.op,
				StatusCode: resp.StatusCode,
				Detail:     security.Redact(strings.TrimSpace(string(raw)), r.token),
			}
		}
		if r.out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, r.out); err != nil {
				return &apperr.ProviderError{Kind: kind, Provider: string(b.provider), Op: r.op, StatusCode: resp.StatusCode, Detail: "decode response: " + err.Error()}
			}
		}
		return nil
	})
	return header, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTransport(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue)
}

// acceptJSON asks token endpoints that default to form encoding (GitHub) for JSON.
type acceptJSON struct {
	next http.RoundTripper
}

func (t acceptJSON) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept", "application/json")
	}
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}
