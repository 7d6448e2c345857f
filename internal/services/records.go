// Package services provides the write path for business records: every
// save goes to the local database first, then into the replication
// machinery appropriate for the process role.
package services

import (
	"encoding/json"

	"github.com/dkowalski/plantsync/internal/db"
	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/models"
	"github.com/dkowalski/plantsync/internal/runmode"
	"github.com/dkowalski/plantsync/internal/sync/queue"
	"github.com/dkowalski/plantsync/internal/uuid"
)

// Notifier is poked after a replica-side write so the scheduler can
// decide whether to start a sync cycle.
type Notifier interface {
	Notify(priority models.Priority)
}

// RecordService writes business records locally and feeds the change
// machinery. On a replica each write lands in the change queue; on the
// authority it lands in the server change log that replicas pull from.
type RecordService struct {
	repo     *db.Repository
	queue    *queue.Queue // nil on the authority
	oracle   *runmode.Oracle
	notifier Notifier // optional
}

// NewRecordService creates a RecordService. queue must be non-nil on a
// replica and nil on the authority; notifier may be nil.
func NewRecordService(repo *db.Repository, q *queue.Queue, oracle *runmode.Oracle, notifier Notifier) *RecordService {
	return &RecordService{repo: repo, queue: q, oracle: oracle, notifier: notifier}
}

// SaveSite creates or updates a site.
func (s *RecordService) SaveSite(site *models.Site, priority models.Priority) error {
	now := s.oracle.Now().Unix()
	op := models.OperationUpdate
	if site.ID == "" {
		site.ID = uuid.New()
		site.CreatedAt = now
		op = models.OperationCreate
	}
	site.UpdatedAt = now
	if err := s.repo.UpsertSite(site); err != nil {
		return err
	}
	return s.propagate("sites", site.ID, op, site, now, priority)
}

// DeleteSite soft-deletes a site so the deletion replicates.
func (s *RecordService) DeleteSite(id string) error {
	site, err := s.repo.GetSite(id)
	if err != nil {
		return err
	}
	now := s.oracle.Now().Unix()
	site.Deleted = true
	site.UpdatedAt = now
	if err := s.repo.UpsertSite(site); err != nil {
		return err
	}
	return s.propagate("sites", site.ID, models.OperationDelete, site, now, models.PriorityImmediate)
}

// SaveMachine creates or updates a machine.
func (s *RecordService) SaveMachine(m *models.Machine, priority models.Priority) error {
	now := s.oracle.Now().Unix()
	op := models.OperationUpdate
	if m.ID == "" {
		m.ID = uuid.New()
		m.CreatedAt = now
		op = models.OperationCreate
	}
	m.UpdatedAt = now
	if err := s.repo.UpsertMachine(m); err != nil {
		return err
	}
	return s.propagate("machines", m.ID, op, m, now, priority)
}

// DeleteMachine soft-deletes a machine.
func (s *RecordService) DeleteMachine(id string) error {
	m, err := s.repo.GetMachine(id)
	if err != nil {
		return err
	}
	now := s.oracle.Now().Unix()
	m.Deleted = true
	m.UpdatedAt = now
	if err := s.repo.UpsertMachine(m); err != nil {
		return err
	}
	return s.propagate("machines", m.ID, models.OperationDelete, m, now, models.PriorityImmediate)
}

// SavePart creates or updates a part.
func (s *RecordService) SavePart(p *models.Part, priority models.Priority) error {
	now := s.oracle.Now().Unix()
	op := models.OperationUpdate
	if p.ID == "" {
		p.ID = uuid.New()
		p.CreatedAt = now
		op = models.OperationCreate
	}
	p.UpdatedAt = now
	if err := s.repo.UpsertPart(p); err != nil {
		return err
	}
	return s.propagate("parts", p.ID, op, p, now, priority)
}

// DeletePart soft-deletes a part.
func (s *RecordService) DeletePart(id string) error {
	p, err := s.repo.GetPart(id)
	if err != nil {
		return err
	}
	now := s.oracle.Now().Unix()
	p.Deleted = true
	p.UpdatedAt = now
	if err := s.repo.UpsertPart(p); err != nil {
		return err
	}
	return s.propagate("parts", p.ID, models.OperationDelete, p, now, models.PriorityImmediate)
}

// SaveMaintenanceRecord creates or updates a maintenance record.
func (s *RecordService) SaveMaintenanceRecord(m *models.MaintenanceRecord, priority models.Priority) error {
	now := s.oracle.Now().Unix()
	op := models.OperationUpdate
	if m.ID == "" {
		m.ID = uuid.New()
		m.CreatedAt = now
		op = models.OperationCreate
	}
	m.UpdatedAt = now
	if err := s.repo.UpsertMaintenanceRecord(m); err != nil {
		return err
	}
	return s.propagate("maintenance_records", m.ID, op, m, now, priority)
}

// SaveAuditTask creates or updates an audit task.
func (s *RecordService) SaveAuditTask(a *models.AuditTask, priority models.Priority) error {
	now := s.oracle.Now().Unix()
	op := models.OperationUpdate
	if a.ID == "" {
		a.ID = uuid.New()
		a.CreatedAt = now
		op = models.OperationCreate
	}
	a.UpdatedAt = now
	if err := s.repo.UpsertAuditTask(a); err != nil {
		return err
	}
	return s.propagate("audit_tasks", a.ID, op, a, now, priority)
}

// propagate feeds a completed local write into the replication path for
// this role.
func (s *RecordService) propagate(table, id string, op models.Operation, record interface{}, updatedAt int64, priority models.Priority) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode record", err)
	}

	if s.oracle.IsAuthority() {
		return s.repo.AppendServerChange(&models.ServerChange{
			TableName: table,
			RecordID:  id,
			Operation: op,
			Payload:   payload,
			UpdatedAt: updatedAt,
		})
	}

	if _, err := s.queue.Enqueue(table, id, op, payload, priority); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Notify(priority)
	}
	return nil
}
