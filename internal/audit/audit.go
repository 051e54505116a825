// Package audit records tool permission decisions to an append-only JSONL
// file and, when a store is attached, the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/sketchdojo-rt/internal/persistence"
	"github.com/basket/sketchdojo-rt/internal/shared"
)

// FileName is the JSONL file written under <home>/logs.
const FileName = "audit.jsonl"

// Decision values.
const (
	DecisionGrant  = "grant"
	DecisionRevoke = "revoke"
	DecisionDeny   = "deny"
)

// Store persists audit rows. *persistence.Store satisfies it.
type Store interface {
	RecordAudit(ctx context.Context, rec persistence.AuditRecord) error
}

// Entry is one permission decision.
type Entry struct {
	Decision      string
	ClientID      string
	ToolID        string
	Reason        string
	TraceID       string
	PolicyVersion string
}

type line struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	ToolID        string `json:"tool_id"`
	ClientID      string `json:"client_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// Log is safe for concurrent use. A nil *Log discards everything.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	store  Store
	logger *slog.Logger

	denyCount atomic.Int64
}

// Open creates <home>/logs/audit.jsonl for appending. store may be nil.
func Open(homeDir string, store Store, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, store: store, logger: logger}, nil
}

// Record appends e. Secrets in the reason are redacted before anything is
// written. Write failures are logged, never returned.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.Decision == DecisionDeny {
		l.denyCount.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)
	if e.TraceID == "" {
		if id := shared.TraceID(ctx); id != "-" {
			e.TraceID = id
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		b, err := json.Marshal(line{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Decision:      e.Decision,
			ToolID:        e.ToolID,
			ClientID:      e.ClientID,
			Reason:        e.Reason,
			TraceID:       e.TraceID,
			PolicyVersion: e.PolicyVersion,
		})
		if err == nil {
			if _, err := l.file.Write(append(b, '\n')); err != nil {
				l.logger.Warn("audit file write failed", "error", err)
			}
		}
	}

	if l.store != nil {
		err := l.store.RecordAudit(ctx, persistence.AuditRecord{
			TraceID:       e.TraceID,
			Subject:       e.ClientID,
			Action:        e.ToolID,
			Decision:      e.Decision,
			Reason:        e.Reason,
			PolicyVersion: e.PolicyVersion,
		})
		if err != nil {
			l.logger.Warn("audit row write failed", "error", err)
		}
	}
}

// DenyCount returns the number of deny decisions since Open.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
