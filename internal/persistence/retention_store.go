package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedMessages  int64 `json:"purged_messages"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes records older than the configured retention windows.
// A non-positive window keeps that category forever. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, messageDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if messageDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -messageDays).Format(sqliteTimeLayout)
		res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge chat_messages: %w", err)
		}
		result.PurgedMessages, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays).Format(sqliteTimeLayout)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
