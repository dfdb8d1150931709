// Package audit provides audit logging helpers for security-relevant
// Connection operations: keyring reads/writes, login attempts, and key
// verification outcomes.
package audit

import (
	"context"
	"sync"
)

// CriticalOperationLogger provides audit logging for security-sensitive
// Connection operations, backed by a tamper-evident log.
type CriticalOperationLogger struct {
	auditLog *TamperEvidentLog
	mu       sync.RWMutex
}

// NewCriticalOperationLogger creates a new critical operation logger.
func NewCriticalOperationLogger(auditLog *TamperEvidentLog) *CriticalOperationLogger {
	return &CriticalOperationLogger{auditLog: auditLog}
}

// SetAuditLog updates the underlying audit log.
func (l *CriticalOperationLogger) SetAuditLog(auditLog *TamperEvidentLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.auditLog = auditLog
}

func (l *CriticalOperationLogger) log() *TamperEvidentLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.auditLog
}

// LogWrite records a keyring write (e.g. an access token or Olm pickle key
// being persisted).
func (l *CriticalOperationLogger) LogWrite(key string) error {
	auditLog := l.log()
	if auditLog == nil {
		return nil
	}
	actor := Actor{Type: "system", ID: "matrixsdk"}
	resource := Resource{Type: "keyring_entry", ID: key}
	compliance := ComplianceFlags{Category: "keyring", Severity: "medium", AuditRequired: true}
	_, err := auditLog.LogEntry("keyring_write", actor, "write", resource, nil, compliance)
	return err
}

// LogDelete records a keyring deletion.
func (l *CriticalOperationLogger) LogDelete(key string) error {
	auditLog := l.log()
	if auditLog == nil {
		return nil
	}
	actor := Actor{Type: "system", ID: "matrixsdk"}
	resource := Resource{Type: "keyring_entry", ID: key}
	compliance := ComplianceFlags{Category: "keyring", Severity: "medium", AuditRequired: true}
	_, err := auditLog.LogEntry("keyring_delete", actor, "delete", resource, nil, compliance)
	return err
}

// LogKeyAccess logs an access-token read/write/delete, success or failure.
func (l *CriticalOperationLogger) LogKeyAccess(ctx context.Context, keyID, userID, operation string, success bool) error {
	auditLog := l.log()
	if auditLog == nil {
		return nil
	}

	actor := Actor{Type: "user", ID: userID}
	resource := Resource{Type: "access_token", ID: keyID}
	severity := "medium"
	if !success {
		severity = "high"
	}
	details := map[string]interface{}{"operation": operation, "success": success}
	compliance := ComplianceFlags{Category: "key_access", Severity: severity, AuditRequired: true}

	eventType := "key_access"
	if !success {
		eventType = "key_access_denied"
	}
	_, err := auditLog.LogEntry(eventType, actor, operation, resource, details, compliance)
	return err
}

// LogAuthenticationEvent logs a login attempt against the homeserver.
func (l *CriticalOperationLogger) LogAuthenticationEvent(ctx context.Context, userID, method string, success bool) error {
	auditLog := l.log()
	if auditLog == nil {
		return nil
	}

	actor := Actor{Type: "user", ID: userID}
	resource := Resource{Type: "session", ID: userID}
	severity := "low"
	if !success {
		severity = "high"
	}
	details := map[string]interface{}{"method": method, "success": success}
	compliance := ComplianceFlags{Category: "authentication", Severity: severity, AuditRequired: true}

	eventType := "login_succeeded"
	if !success {
		eventType = "login_failed"
	}
	_, err := auditLog.LogEntry(eventType, actor, "login", resource, details, compliance)
	return err
}

// LogTokenExposureBlocked records that an attempt to read the access token
// was rejected because a logout job was pending, enforcing the invariant
// that the token is never exposed while logout is in flight.
func (l *CriticalOperationLogger) LogTokenExposureBlocked(ctx context.Context, userID string) error {
	auditLog := l.log()
	if auditLog == nil {
		return nil
	}
	actor := Actor{Type: "user", ID: userID}
	resource := Resource{Type: "access_token", ID: userID}
	compliance := ComplianceFlags{Category: "key_access", Severity: "high", AuditRequired: true}
	_, err := auditLog.LogEntry("token_exposure_blocked", actor, "read", resource, nil, compliance)
	return err
}

// LogVerificationOutcome records the terminal state of a key-verification
// session (DONE or CANCELLED).
func (l *CriticalOperationLogger) LogVerificationOutcome(ctx context.Context, remoteUser, transactionID, outcome string) error {
	auditLog := l.log()
	if auditLog == nil {
		return nil
	}
	actor := Actor{Type: "user", ID: remoteUser}
	resource := Resource{Type: "verification_session", ID: transactionID}
	compliance := ComplianceFlags{Category: "e2ee_verification", Severity: "medium", AuditRequired: true}
	_, err := auditLog.LogEntry("verification_"+outcome, actor, outcome, resource, nil, compliance)
	return err
}

var globalAuditLogger *CriticalOperationLogger
var globalOnce sync.Once

// Global returns a process-wide CriticalOperationLogger with no backing
// log attached (a no-op sink) until SetAuditLog is called on it.
func Global() *CriticalOperationLogger {
	globalOnce.Do(func() {
		globalAuditLogger = NewCriticalOperationLogger(nil)
	})
	return globalAuditLogger
}
