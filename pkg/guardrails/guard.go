package guardrails

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/resilience"
)

// Guardrail violations are terminal: never retried, surfaced to the admin.
var (
	ErrAutoCancellation = errors.New("auto-cancellation is forbidden")
	ErrAutoPayment      = errors.New("auto-payment without user confirmation is forbidden")
	ErrMessageCapHit    = errors.New("customer message cap exceeded")
	ErrPHIDetected      = errors.New("generated text contains PHI patterns")
	ErrConsentAbsent    = errors.New("consent absent or opted out")
)

// ConsentChecker resolves the current consent state for a phone number.
type ConsentChecker interface {
	ConsentFor(tenantID, phone string) (*models.Consent, error)
}

// AuditSink records guardrail violations and message-cap hits.
type AuditSink interface {
	RecordViolation(tenantID, rule, detail string)
}

// Guard runs the ordered pre-send checks. Construct once at service init and
// share; all methods are safe for concurrent use after SetTenantCap calls
// finish.
type Guard struct {
	consents   ConsentChecker
	cap        *resilience.MessageCap
	tenantCaps map[string]*resilience.MessageCap
	audit      AuditSink
	notifier   resilience.AdminNotifier
}

// New creates a guard. audit and notifier may be nil.
func New(consents ConsentChecker, cap *resilience.MessageCap, audit AuditSink, notifier resilience.AdminNotifier) *Guard {
	return &Guard{consents: consents, cap: cap, audit: audit, notifier: notifier}
}

// SetTenantCap installs a per-tenant message cap that overrides the shared
// one. Call during composition, before the guard sees traffic.
func (g *Guard) SetTenantCap(tenantID string, cap *resilience.MessageCap) {
	if g.tenantCaps == nil {
		g.tenantCaps = make(map[string]*resilience.MessageCap)
	}
	g.tenantCaps[tenantID] = cap
}

func (g *Guard) capFor(tenantID string) *resilience.MessageCap {
	if cap, ok := g.tenantCaps[tenantID]; ok {
		return cap
	}
	return g.cap
}

// OutboundMessage is the subject of a pre-send check.
type OutboundMessage struct {
	TenantID string
	Phone    string
	Body     string
}

// CheckOutboundMessage runs checks (3)-(5) for one message: message cap, PHI
// scan, consent gate. Checks (1) and (2) — no auto-cancel, no auto-payment —
// live in CheckCommand because they gate command types, not message bodies.
// The first failing check wins; a failure means the send is suppressed.
func (g *Guard) CheckOutboundMessage(msg OutboundMessage) error {
	consent, err := g.consents.ConsentFor(msg.TenantID, msg.Phone)
	if err != nil {
		return fmt.Errorf("resolving consent for %s: %w", msg.Phone, err)
	}
	if !consent.Current() {
		g.recordViolation(msg.TenantID, "consent", "send suppressed: no current consent")
		return ErrConsentAbsent
	}

	if hits := ScanPHI(msg.Body); len(hits) > 0 {
		// Log only the redacted form; the original never leaves this scope.
		slog.Error("PHI detected in outbound message",
			"tenant_id", msg.TenantID,
			"patterns", strings.Join(hits, ","),
			"redacted", Redact(msg.Body))
		g.recordViolation(msg.TenantID, "phi", "patterns: "+strings.Join(hits, ","))
		return fmt.Errorf("%w: %s", ErrPHIDetected, strings.Join(hits, ","))
	}

	if cap := g.capFor(msg.TenantID); cap != nil && !cap.Allow(msg.Phone) {
		g.recordViolation(msg.TenantID, "message_cap", "send dropped for "+msg.Phone)
		if g.notifier != nil {
			g.notifier.Notify("message cap hit", msg.Phone)
		}
		return ErrMessageCapHit
	}

	return nil
}

// CheckCommand rejects command types that would perform destructive actions
// without a human in the loop.
func (g *Guard) CheckCommand(tenantID, commandType, actor string, userConfirmed bool) error {
	if actor != "system" {
		return nil
	}
	if strings.Contains(commandType, "cancel") {
		g.recordViolation(tenantID, "auto_cancel", commandType)
		return ErrAutoCancellation
	}
	if strings.Contains(commandType, "charge") || (strings.Contains(commandType, "payment") && !userConfirmed) {
		g.recordViolation(tenantID, "auto_payment", commandType)
		return ErrAutoPayment
	}
	return nil
}

func (g *Guard) recordViolation(tenantID, rule, detail string) {
	if g.audit != nil {
		g.audit.RecordViolation(tenantID, rule, detail)
	}
}
