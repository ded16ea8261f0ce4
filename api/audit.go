package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess         AuditEvent = "login_success"
	AuditLoginFailure         AuditEvent = "login_failure"
	AuditLoginLocked          AuditEvent = "login_locked"
	AuditAPIRateLimited       AuditEvent = "api_rate_limited"
	AuditRegister             AuditEvent = "register"
	AuditTokenRefreshed       AuditEvent = "token_refreshed"
	AuditLogout               AuditEvent = "logout"
	AuditProfileUpdated       AuditEvent = "profile_updated"
	AuditPasswordChanged      AuditEvent = "password_changed"
	AuditSecurityStampRotated AuditEvent = "security_stamp_rotated"
	AuditKeysUpdated          AuditEvent = "keys_updated"
	AuditCipherCreated        AuditEvent = "cipher_created"
	AuditCipherUpdated        AuditEvent = "cipher_updated"
	AuditCipherDeleted        AuditEvent = "cipher_deleted"
	AuditCipherTrashed        AuditEvent = "cipher_trashed"
	AuditCipherRestored       AuditEvent = "cipher_restored"
	AuditCiphersMoved         AuditEvent = "ciphers_moved"
	AuditFolderCreated        AuditEvent = "folder_created"
	AuditFolderUpdated        AuditEvent = "folder_updated"
	AuditFolderDeleted        AuditEvent = "folder_deleted"
	AuditAttachmentCreated    AuditEvent = "attachment_created"
	AuditAttachmentUploaded   AuditEvent = "attachment_uploaded"
	AuditAttachmentDeleted    AuditEvent = "attachment_deleted"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry and feeds the anomaly counters.
// Attributes never carry verifiers, tokens or vault content.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(auditWebhookEvent(event, r, now, attrs))
	}
}

// logEvent is a convenience for events performed by a known user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed authentication attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func attrIdentity(identity string) slog.Attr {
	return slog.String("identity", identity)
}

func attrEmail(email string) slog.Attr {
	return slog.String("email", email)
}

func attrID(key, id string) slog.Attr {
	return slog.String(key, id)
}
