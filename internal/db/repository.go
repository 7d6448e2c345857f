// Package db provides CRUD repository operations for PlantSync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkowalski/plantsync/internal/models"
)

// Repository provides persistence operations for business records, the
// authority change log, the sync cursor, and the conflict log.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Business Record Upserts
// =====================================================
//
// Every upsert is keyed by primary key so that re-applying the same
// change is a no-op on the final state.

// UpsertSite inserts or replaces a site by primary key.
func (r *Repository) UpsertSite(s *models.Site) error {
	query := `
	INSERT INTO sites (id, name, address, contact_name, contact_phone, deleted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name, address = excluded.address,
		contact_name = excluded.contact_name, contact_phone = excluded.contact_phone,
		deleted = excluded.deleted, updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, s.ID, s.Name, s.Address, s.ContactName, s.ContactPhone,
		s.Deleted, s.CreatedAt, s.UpdatedAt)
	return err
}

// UpsertMachine inserts or replaces a machine by primary key.
func (r *Repository) UpsertMachine(m *models.Machine) error {
	query := `
	INSERT INTO machines (id, site_id, name, model, serial_number, installed_on, notes, deleted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		site_id = excluded.site_id, name = excluded.name, model = excluded.model,
		serial_number = excluded.serial_number, installed_on = excluded.installed_on,
		notes = excluded.notes, deleted = excluded.deleted, updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, m.ID, m.SiteID, m.Name, m.Model, m.SerialNumber,
		m.InstalledOn, m.Notes, m.Deleted, m.CreatedAt, m.UpdatedAt)
	return err
}

// UpsertPart inserts or replaces a part by primary key.
func (r *Repository) UpsertPart(p *models.Part) error {
	query := `
	INSERT INTO parts (id, machine_id, name, part_number, quantity, last_maintenance, notes, deleted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		machine_id = excluded.machine_id, name = excluded.name,
		part_number = excluded.part_number, quantity = excluded.quantity,
		last_maintenance = excluded.last_maintenance, notes = excluded.notes,
		deleted = excluded.deleted, updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, p.ID, p.MachineID, p.Name, p.PartNumber, p.Quantity,
		p.LastMaintenance, p.Notes, p.Deleted, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpsertMaintenanceRecord inserts or replaces a maintenance record by primary key.
func (r *Repository) UpsertMaintenanceRecord(m *models.MaintenanceRecord) error {
	query := `
	INSERT INTO maintenance_records (id, machine_id, part_id, performed_by, performed_on, description, deleted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		machine_id = excluded.machine_id, part_id = excluded.part_id,
		performed_by = excluded.performed_by, performed_on = excluded.performed_on,
		description = excluded.description, deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, m.ID, m.MachineID, m.PartID, m.PerformedBy,
		m.PerformedOn, m.Description, m.Deleted, m.CreatedAt, m.UpdatedAt)
	return err
}

// UpsertAuditTask inserts or replaces an audit task by primary key.
func (r *Repository) UpsertAuditTask(a *models.AuditTask) error {
	query := `
	INSERT INTO audit_tasks (id, site_id, title, recurrence_days, due_on, completed_on, deleted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		site_id = excluded.site_id, title = excluded.title,
		recurrence_days = excluded.recurrence_days, due_on = excluded.due_on,
		completed_on = excluded.completed_on, deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, a.ID, a.SiteID, a.Title, a.RecurrenceDays,
		a.DueOn, a.CompletedOn, a.Deleted, a.CreatedAt, a.UpdatedAt)
	return err
}

// =====================================================
// Business Record Reads
// =====================================================

// GetSite retrieves a site by ID, including soft-deleted rows.
func (r *Repository) GetSite(id string) (*models.Site, error) {
	query := `
	SELECT id, name, address, contact_name, contact_phone, deleted, created_at, updated_at
	FROM sites WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var s models.Site
	err = stmt.QueryRow(id).Scan(&s.ID, &s.Name, &s.Address, &s.ContactName,
		&s.ContactPhone, &s.Deleted, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetMachine retrieves a machine by ID.
func (r *Repository) GetMachine(id string) (*models.Machine, error) {
	query := `
	SELECT id, site_id, name, model, serial_number, installed_on, notes, deleted, created_at, updated_at
	FROM machines WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var m models.Machine
	err = stmt.QueryRow(id).Scan(&m.ID, &m.SiteID, &m.Name, &m.Model, &m.SerialNumber,
		&m.InstalledOn, &m.Notes, &m.Deleted, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetPart retrieves a part by ID.
func (r *Repository) GetPart(id string) (*models.Part, error) {
	query := `
	SELECT id, machine_id, name, part_number, quantity, last_maintenance, notes, deleted, created_at, updated_at
	FROM parts WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var p models.Part
	err = stmt.QueryRow(id).Scan(&p.ID, &p.MachineID, &p.Name, &p.PartNumber,
		&p.Quantity, &p.LastMaintenance, &p.Notes, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetMaintenanceRecord retrieves a maintenance record by ID.
func (r *Repository) GetMaintenanceRecord(id string) (*models.MaintenanceRecord, error) {
	query := `
	SELECT id, machine_id, part_id, performed_by, performed_on, description, deleted, created_at, updated_at
	FROM maintenance_records WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var m models.MaintenanceRecord
	err = stmt.QueryRow(id).Scan(&m.ID, &m.MachineID, &m.PartID, &m.PerformedBy,
		&m.PerformedOn, &m.Description, &m.Deleted, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetAuditTask retrieves an audit task by ID.
func (r *Repository) GetAuditTask(id string) (*models.AuditTask, error) {
	query := `
	SELECT id, site_id, title, recurrence_days, due_on, completed_on, deleted, created_at, updated_at
	FROM audit_tasks WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var a models.AuditTask
	err = stmt.QueryRow(id).Scan(&a.ID, &a.SiteID, &a.Title, &a.RecurrenceDays,
		&a.DueOn, &a.CompletedOn, &a.Deleted, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RecordUpdatedAt returns the updated_at of a record, or sql.ErrNoRows.
func (r *Repository) RecordUpdatedAt(tableName, id string) (int64, error) {
	if !models.IsSyncTable(tableName) {
		return 0, fmt.Errorf("unknown sync table: %s", tableName)
	}
	var updatedAt int64
	// tableName is validated against the fixed SyncTables list above.
	query := fmt.Sprintf("SELECT updated_at FROM %s WHERE id = ?", tableName)
	err := r.db.QueryRow(query, id).Scan(&updatedAt)
	return updatedAt, err
}

// =====================================================
// Change Application (idempotent upsert by payload)
// =====================================================

// ApplyChange applies a serialized record snapshot to the local store.
// A delete is a soft delete; the payload still carries the full snapshot.
// If updatedAt is positive it overrides the payload's own updated_at,
// which is how the authority stamps server time on pushed changes.
func (r *Repository) ApplyChange(tableName string, op models.Operation, payload json.RawMessage, updatedAt int64) error {
	deleted := op == models.OperationDelete

	switch tableName {
	case models.Site{}.TableName():
		var s models.Site
		if err := json.Unmarshal(payload, &s); err != nil {
			return fmt.Errorf("invalid site payload: %w", err)
		}
		if updatedAt > 0 {
			s.UpdatedAt = updatedAt
		}
		if deleted {
			s.Deleted = true
		}
		return r.UpsertSite(&s)

	case models.Machine{}.TableName():
		var m models.Machine
		if err := json.Unmarshal(payload, &m); err != nil {
			return fmt.Errorf("invalid machine payload: %w", err)
		}
		if updatedAt > 0 {
			m.UpdatedAt = updatedAt
		}
		if deleted {
			m.Deleted = true
		}
		return r.UpsertMachine(&m)

	case models.Part{}.TableName():
		var p models.Part
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid part payload: %w", err)
		}
		if updatedAt > 0 {
			p.UpdatedAt = updatedAt
		}
		if deleted {
			p.Deleted = true
		}
		return r.UpsertPart(&p)

	case models.MaintenanceRecord{}.TableName():
		var m models.MaintenanceRecord
		if err := json.Unmarshal(payload, &m); err != nil {
			return fmt.Errorf("invalid maintenance record payload: %w", err)
		}
		if updatedAt > 0 {
			m.UpdatedAt = updatedAt
		}
		if deleted {
			m.Deleted = true
		}
		return r.UpsertMaintenanceRecord(&m)

	case models.AuditTask{}.TableName():
		var a models.AuditTask
		if err := json.Unmarshal(payload, &a); err != nil {
			return fmt.Errorf("invalid audit task payload: %w", err)
		}
		if updatedAt > 0 {
			a.UpdatedAt = updatedAt
		}
		if deleted {
			a.Deleted = true
		}
		return r.UpsertAuditTask(&a)
	}

	return fmt.Errorf("unknown sync table: %s", tableName)
}

// =====================================================
// Server Change Log (authority side)
// =====================================================

// AppendServerChange records an authority-side change. The log is
// compacted to one row per record: a newer change for the same record
// replaces the older one, which is all last-write-wins replicas need.
func (r *Repository) AppendServerChange(c *models.ServerChange) error {
	query := `
	INSERT INTO server_change_log (table_name, record_id, operation, payload, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(table_name, record_id) DO UPDATE SET
		operation = excluded.operation, payload = excluded.payload,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, c.TableName, c.RecordID, c.Operation, string(c.Payload), c.UpdatedAt)
	return err
}

// ServerChangesSince returns changes with updated_at >= since, oldest
// first. The inclusive bound means a retried pull re-reads the boundary
// row; apply is idempotent so that is safe.
func (r *Repository) ServerChangesSince(since int64, limit int) ([]models.ServerChange, error) {
	query := `
	SELECT id, table_name, record_id, operation, payload, updated_at
	FROM server_change_log
	WHERE updated_at >= ?
	ORDER BY updated_at ASC, id ASC
	LIMIT ?
	`
	rows, err := r.db.Query(query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []models.ServerChange
	for rows.Next() {
		var c models.ServerChange
		var payload string
		if err := rows.Scan(&c.ID, &c.TableName, &c.RecordID, &c.Operation, &payload, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Payload = json.RawMessage(payload)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// =====================================================
// Sync Cursor
// =====================================================

// GetSyncCursor returns the singleton sync cursor.
func (r *Repository) GetSyncCursor() (*models.SyncCursor, error) {
	var c models.SyncCursor
	err := r.db.QueryRow("SELECT id, last_pull_at FROM sync_cursor WHERE id = 1").
		Scan(&c.ID, &c.LastPullAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AdvanceSyncCursor moves the cursor forward to ts. The MAX in SQL makes
// the cursor monotonic regardless of caller ordering.
func (r *Repository) AdvanceSyncCursor(ts int64) error {
	_, err := r.db.Exec(
		"UPDATE sync_cursor SET last_pull_at = MAX(last_pull_at, ?) WHERE id = 1", ts)
	return err
}

// =====================================================
// Conflict Log
// =====================================================

// CreateConflictLog records a resolved conflict.
func (r *Repository) CreateConflictLog(c *models.ConflictLog) error {
	query := `
	INSERT INTO conflict_log (table_name, record_id, local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, c.TableName, c.RecordID, c.LocalTimestamp,
		c.RemoteTimestamp, c.Resolution, c.DetectedAt)
	return err
}

// ListConflictLogs returns the most recent resolved conflicts.
func (r *Repository) ListConflictLogs(limit int) ([]models.ConflictLog, error) {
	query := `
	SELECT id, table_name, record_id, local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, id DESC LIMIT ?
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.TableName, &c.RecordID, &c.LocalTimestamp,
			&c.RemoteTimestamp, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, err
		}
		logs = append(logs, c)
	}
	return logs, rows.Err()
}
