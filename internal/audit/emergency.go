package audit

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/gosuda/bastion/internal/domain"
)

// EmergencyLog writes audit entries that failed to persist as structured
// JSON lines so operators can replay them into storage later.
type EmergencyLog struct {
	logger zerolog.Logger
	file   *os.File
}

// NewEmergencyLog writes emergency records through logger.
func NewEmergencyLog(logger zerolog.Logger) *EmergencyLog {
	return &EmergencyLog{logger: logger}
}

// OpenEmergencyLog appends emergency records to the file at path.
func OpenEmergencyLog(path string) (*EmergencyLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("audit.OpenEmergencyLog: %w", err)
	}
	return &EmergencyLog{
		logger: zerolog.New(f).With().Timestamp().Logger(),
		file:   f,
	}, nil
}

// Record implements Emergency.
func (l *EmergencyLog) Record(entry *domain.AuditEntry, record *domain.TamperEvidentRecord, cause error) {
	l.logger.Error().
		Err(cause).
		Str("kind", "audit_persist_failure").
		Interface("entry", entry).
		Interface("record", record).
		Msg("audit entry not persisted")
}

// Close releases the underlying file, if any.
func (l *EmergencyLog) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("audit.EmergencyLog.Close: %w", err)
	}
	return nil
}
