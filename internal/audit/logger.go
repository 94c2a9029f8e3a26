// Package audit records security-relevant events (logins, OAuth connects,
// delegated ticket creation) as OpenTelemetry log records.
package audit

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Actions.
const (
	ActionRegister        = "user.register"
	ActionLoginSuccess    = "auth.login_success"
	ActionLoginFailure    = "auth.login_failure"
	ActionLogout          = "auth.logout"
	ActionOAuthConnect    = "oauth.connect"
	ActionOAuthDisconnect = "oauth.disconnect"
	ActionRefreshFailed   = "oauth.refresh_failed"
	ActionTicketCreated   = "ticket.created"
	ActionTicketOrphaned  = "ticket.orphaned"
)

// Event is one audit entry. Never put token material or password hashes in it.
type Event struct {
	Action   string
	UserID   string
	Provider string
	// Resource identifies what was acted on, e.g. a ticket key or source entity id.
	Resource string
	Detail   string
}

// AuditLogger writes audit events. LogEvent is best-effort and never fails the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, e Event)
}

// IPExtractor returns the client IP recorded in ctx.
type IPExtractor func(context.Context) string

// Logger implements AuditLogger with an OTel logger.
type Logger struct {
	logger      otellog.Logger
	ipExtractor IPExtractor
	now         func() time.Time
}

// NewLogger returns a Logger emitting through provider. provider may be nil; then events are dropped.
// ipExtractor may be nil; then ClientIP is used.
func NewLogger(provider *sdklog.LoggerProvider, ipExtractor IPExtractor) *Logger {
	l := &Logger{ipExtractor: ipExtractor, now: time.Now}
	if provider != nil {
		l.logger = provider.Logger("ticketbridge.audit")
	}
	if l.ipExtractor == nil {
		l.ipExtractor = ClientIP
	}
	return l
}

// LogEvent emits e as a log record with the event fields as attributes.
func (l *Logger) LogEvent(ctx context.Context, e Event) {
	if l == nil || l.logger == nil || e.Action == "" {
		return
	}
	rec := otellog.Record{}
	rec.SetTimestamp(l.now().UTC())
	rec.SetSeverity(severity(e.Action))
	rec.SetBody(otellog.StringValue(e.Action))
	rec.AddAttributes(otellog.String("action", e.Action))
	if e.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", e.UserID))
	}
	if e.Provider != "" {
		rec.AddAttributes(otellog.String("provider", e.Provider))
	}
	if e.Resource != "" {
		rec.AddAttributes(otellog.String("resource", e.Resource))
	}
	if e.Detail != "" {
		rec.AddAttributes(otellog.String("detail", e.Detail))
	}
	if ip := l.ipExtractor(ctx); ip != "" {
		rec.AddAttributes(otellog.String("ip", ip))
	}
	l.logger.Emit(ctx, rec)
}

func severity(action string) otellog.Severity {
	switch action {
	case ActionLoginFailure, ActionRefreshFailed:
		return otellog.SeverityWarn
	case ActionTicketOrphaned:
		return otellog.SeverityError
	default:
		return otellog.SeverityInfo
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) LogEvent(context.Context, Event) {}

type clientIPKey struct{}

// WithClientIP returns ctx carrying the caller's IP address.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIP returns the IP stored by WithClientIP, or "".
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
