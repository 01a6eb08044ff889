package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/backend/internal/models"
	"github.com/keygate/backend/pkg/logger"
	"gorm.io/gorm"
)

const (
	AuditCredentialRegistered = "webauthn.credential_registered"
	AuditCredentialRenamed    = "webauthn.credential_renamed"
	AuditCredentialRemoved    = "webauthn.credential_removed"
	AuditStepUpVerified       = "stepup.verified"
	AuditStepUpFailed         = "stepup.failed"
	AuditStepUpReplay         = "stepup.replay_detected"
	AuditStepUpLogout         = "stepup.logout"
	AuditUserSynced           = "user.synced"
	AuditUserDeleted          = "user.deleted"

	ResourceCredential = "credential"
	ResourceSession    = "session"
	ResourceUser       = "user"
)

const exportBatchSize = 10000

type AuditEntry struct {
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	IPAddress    string
	UserAgent    string
	RequestID    string
}

// Uploader stores an exported batch. *storage.MinIOClient satisfies it.
type Uploader interface {
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
}

// AuditService persists audit entries from a bounded queue on a single
// writer goroutine so request handlers never wait on the insert.
type AuditService struct {
	DB      *gorm.DB
	Storage Uploader

	queue  chan models.AuditLog
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAuditService(db *gorm.DB, storage Uploader) *AuditService {
	s := &AuditService{
		DB:      db,
		Storage: storage,
		queue:   make(chan models.AuditLog, 1000),
		done:    make(chan struct{}),
	}
	go s.processQueue()
	return s
}

func (s *AuditService) LogAsync(entry AuditEntry) {
	row := models.AuditLog{
		UserID:       entry.UserID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      entry.Details,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		RequestID:    entry.RequestID,
		CreatedAt:    time.Now().UTC(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		logger.Warn("audit_log_after_close", map[string]interface{}{
			"action": entry.Action,
		})
		return
	}

	select {
	case s.queue <- row:
	default:
		logger.Warn("audit_queue_full", map[string]interface{}{
			"action":  entry.Action,
			"dropped": true,
		})
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (s *AuditService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *AuditService) processQueue() {
	defer close(s.done)
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("audit_log_insert_failed", err, map[string]interface{}{
				"action": row.Action,
			})
		}
	}
}

// StartExporter periodically ships new audit rows to the bucket as NDJSON
// until ctx is cancelled.
func (s *AuditService) StartExporter(ctx context.Context, interval time.Duration) {
	if s.Storage == nil {
		logger.Info("audit_exporter_disabled", map[string]interface{}{
			"reason": "no storage client configured",
		})
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Export(ctx); err != nil {
					logger.Error("audit_export_failed", err, nil)
				}
			}
		}
	}()

	logger.Info("audit_exporter_started", map[string]interface{}{
		"interval": interval.String(),
	})
}

// Export uploads rows created since the last successful export and advances
// the cursor. It returns how many rows were shipped.
func (s *AuditService) Export(ctx context.Context) (int, error) {
	var cursor models.AuditExportCursor
	err := s.DB.WithContext(ctx).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cursor = models.AuditExportCursor{
			LastExportAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		if err := s.DB.WithContext(ctx).Create(&cursor).Error; err != nil {
			return 0, fmt.Errorf("create export cursor: %w", err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("load export cursor: %w", err)
	}

	var logs []models.AuditLog
	if err := s.DB.WithContext(ctx).Where("created_at > ?", cursor.LastExportAt).
		Order("created_at ASC").
		Limit(exportBatchSize).
		Find(&logs).Error; err != nil {
		return 0, fmt.Errorf("query audit rows: %w", err)
	}

	if len(logs) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, log := range logs {
		if err := enc.Encode(log); err != nil {
			logger.Error("audit_export_encode_failed", err, map[string]interface{}{
				"log_id": log.ID.String(),
			})
		}
	}

	now := time.Now().UTC()
	objectName := fmt.Sprintf("audit-logs/%s/%s.ndjson",
		now.Format("2006/01/02"),
		now.Format("15-04-05"),
	)

	if err := s.Storage.Upload(ctx, objectName, &buf, int64(buf.Len()), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("upload %s: %w", objectName, err)
	}

	lastCreatedAt := logs[len(logs)-1].CreatedAt
	if err := s.DB.WithContext(ctx).Model(&cursor).Updates(map[string]interface{}{
		"last_export_at": lastCreatedAt,
		"exported_count": gorm.Expr("exported_count + ?", len(logs)),
	}).Error; err != nil {
		return len(logs), fmt.Errorf("advance export cursor: %w", err)
	}

	logger.Info("audit_export_success", map[string]interface{}{
		"object_name": objectName,
		"count":       len(logs),
	})
	return len(logs), nil
}
