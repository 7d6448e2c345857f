// Package models provides data model definitions for PlantSync.
//
// The five business record types below are the rows the sync engine moves
// between replicas and the authority. Each is identified by a UUID primary
// key and carries UpdatedAt for last-write-wins reconciliation. Deleted is
// a soft-delete flag so deletions replicate like any other write.
package models

// Site is a customer location holding machines.
type Site struct {
	ID           string `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	Address      string `db:"address" json:"address"`
	ContactName  string `db:"contact_name" json:"contact_name"`
	ContactPhone string `db:"contact_phone" json:"contact_phone"`
	Deleted      bool   `db:"deleted" json:"deleted"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
	UpdatedAt    int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Site.
func (Site) TableName() string { return "sites" }

// Machine is a serviceable machine installed at a site.
type Machine struct {
	ID           string `db:"id" json:"id"`
	SiteID       string `db:"site_id" json:"site_id"`
	Name         string `db:"name" json:"name"`
	Model        string `db:"model" json:"model"`
	SerialNumber string `db:"serial_number" json:"serial_number"`
	InstalledOn  string `db:"installed_on" json:"installed_on"` // civil date, YYYY-MM-DD
	Notes        string `db:"notes" json:"notes"`
	Deleted      bool   `db:"deleted" json:"deleted"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
	UpdatedAt    int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Machine.
func (Machine) TableName() string { return "machines" }

// Part is a maintained component of a machine.
type Part struct {
	ID              string `db:"id" json:"id"`
	MachineID       string `db:"machine_id" json:"machine_id"`
	Name            string `db:"name" json:"name"`
	PartNumber      string `db:"part_number" json:"part_number"`
	Quantity        int    `db:"quantity" json:"quantity"`
	LastMaintenance string `db:"last_maintenance" json:"last_maintenance"` // civil date, YYYY-MM-DD
	Notes           string `db:"notes" json:"notes"`
	Deleted         bool   `db:"deleted" json:"deleted"`
	CreatedAt       int64  `db:"created_at" json:"created_at"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Part.
func (Part) TableName() string { return "parts" }

// MaintenanceRecord documents completed service work.
type MaintenanceRecord struct {
	ID          string `db:"id" json:"id"`
	MachineID   string `db:"machine_id" json:"machine_id"`
	PartID      string `db:"part_id" json:"part_id"`
	PerformedBy string `db:"performed_by" json:"performed_by"`
	PerformedOn string `db:"performed_on" json:"performed_on"` // civil date, YYYY-MM-DD
	Description string `db:"description" json:"description"`
	Deleted     bool   `db:"deleted" json:"deleted"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for MaintenanceRecord.
func (MaintenanceRecord) TableName() string { return "maintenance_records" }

// AuditTask is a recurring inspection task for a site. Due-date math uses
// the canonical zone from runmode so day boundaries agree everywhere.
type AuditTask struct {
	ID             string `db:"id" json:"id"`
	SiteID         string `db:"site_id" json:"site_id"`
	Title          string `db:"title" json:"title"`
	RecurrenceDays int    `db:"recurrence_days" json:"recurrence_days"`
	DueOn          string `db:"due_on" json:"due_on"`             // civil date, YYYY-MM-DD
	CompletedOn    string `db:"completed_on" json:"completed_on"` // empty while open
	Deleted        bool   `db:"deleted" json:"deleted"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for AuditTask.
func (AuditTask) TableName() string { return "audit_tasks" }

// SyncTables lists every table the sync engine replicates.
var SyncTables = []string{
	Site{}.TableName(),
	Machine{}.TableName(),
	Part{}.TableName(),
	MaintenanceRecord{}.TableName(),
	AuditTask{}.TableName(),
}

// IsSyncTable reports whether tableName is replicated by the sync engine.
func IsSyncTable(tableName string) bool {
	for _, t := range SyncTables {
		if t == tableName {
			return true
		}
	}
	return false
}
