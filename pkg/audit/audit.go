// Package audit builds and emits the per-request audit trail. Every request
// produces exactly one record at completion, including requests rejected at
// the perimeter, rate-limit, authentication, or policy gates.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Rifushigi/zta-poc/pkg/stream"
)

// Record is immutable once emitted.
type Record struct {
	Operation      string          `json:"operation"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	User           string          `json:"user"`
	Roles          []string        `json:"roles,omitempty"`
	ClientIP       string          `json:"ip"`
	StatusCode     int             `json:"status_code"`
	DurationMS     int64           `json:"duration_ms"`
	RequestID      string          `json:"request_id"`
	PolicyDecision string          `json:"policy_decision,omitempty"`
	RequestBody    json.RawMessage `json:"request_body,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// OperationForMethod maps the HTTP verb to the audited CRUD operation.
func OperationForMethod(method string) string {
	switch strings.ToUpper(method) {
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return "read"
	}
}

// Trail accumulates request facts across pipeline stages. The outer recorder
// middleware owns it; inner gates annotate it as they run.
type Trail struct {
	mu       sync.Mutex
	user     string
	roles    []string
	decision string
	body     json.RawMessage
}

type trailKey struct{}

func WithTrail(ctx context.Context) (context.Context, *Trail) {
	t := &Trail{}
	return context.WithValue(ctx, trailKey{}, t), t
}

func TrailFromContext(ctx context.Context) (*Trail, bool) {
	t, ok := ctx.Value(trailKey{}).(*Trail)
	return t, ok
}

func (t *Trail) SetPrincipal(user string, roles []string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.user = user
	t.roles = append([]string(nil), roles...)
	t.mu.Unlock()
}

func (t *Trail) SetDecision(decision string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.decision = decision
	t.mu.Unlock()
}

// SetRequestBody keeps a payload summary for create/update operations.
func (t *Trail) SetRequestBody(body json.RawMessage) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.body = body
	t.mu.Unlock()
}

func (t *Trail) snapshot() (user string, roles []string, decision string, body json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.user, t.roles, t.decision, t.body
}

// Fill copies the trail's accumulated facts onto a record.
func (t *Trail) Fill(rec *Record) {
	if t == nil {
		return
	}
	user, roles, decision, body := t.snapshot()
	rec.User = user
	rec.Roles = roles
	rec.PolicyDecision = decision
	op := OperationForMethod(rec.Method)
	if op == "create" || op == "update" {
		rec.RequestBody = body
	}
}

// Store persists records durably; emission never depends on it succeeding.
type Store interface {
	Append(ctx context.Context, rec Record) error
}

// Recorder emits each record once: to the structured log, to the optional
// durable store, and to the live event stream.
type Recorder struct {
	Logger   *slog.Logger
	Store    Store
	Hub      *stream.Hub
	HashSalt []byte
	Redact   bool
}

func (r *Recorder) Emit(ctx context.Context, rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.User == "" {
		rec.User = "unknown"
	}
	if r.Redact {
		rec.User = HashIdentity(rec.User, r.HashSalt)
		rec.RequestBody = nil
	}
	r.Logger.Info("audit",
		"operation", rec.Operation,
		"method", rec.Method,
		"path", rec.Path,
		"user", rec.User,
		"roles", rec.Roles,
		"ip", rec.ClientIP,
		"status_code", rec.StatusCode,
		"duration_ms", rec.DurationMS,
		"request_id", rec.RequestID,
		"policy_decision", rec.PolicyDecision,
	)
	if r.Store != nil {
		if err := r.Store.Append(ctx, rec); err != nil {
			r.Logger.Error("audit store append failed", "error", err, "request_id", rec.RequestID)
		}
	}
	if r.Hub != nil {
		r.Hub.Publish("audit", rec)
	}
}

// HashIdentity pseudonymizes an identifier for redacted trails.
func HashIdentity(value string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(strings.TrimSpace(value)))
	return hex.EncodeToString(h.Sum(nil))
}
