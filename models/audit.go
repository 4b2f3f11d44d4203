package models

import "time"

// AuditType enumerates the operations recorded in the session audit log.
type AuditType string

const (
	AuditConnect    AuditType = "connect"
	AuditDisconnect AuditType = "disconnect"
	AuditReadVIN    AuditType = "readVIN"
	AuditReadDTC    AuditType = "readDTC"
	AuditClearDTC   AuditType = "clearDTC"
	AuditReadVO     AuditType = "readVO"
	AuditWriteVO    AuditType = "writeVO"
	AuditReadFDL    AuditType = "readFDL"
	AuditWriteFDL   AuditType = "writeFDL"
	AuditBackup     AuditType = "backup"
	AuditRestore    AuditType = "restore"
	AuditModuleScan AuditType = "moduleScan"
)

// AuditEntry is one record in the append-only session audit log. Entry order
// reflects call completion order, not call start order.
type AuditEntry struct {
	Type        AuditType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Success     bool      `json:"success"`

	// Details carries optional string-keyed context (VIN, module, counts,
	// backup checksum, failure reason).
	Details map[string]string `json:"details,omitempty"`
}
