package models

import "time"

// BackupMetadata identifies one pre-write snapshot of a module's coding data.
type BackupMetadata struct {
	VIN               string  `json:"vin"`
	Chassis           Chassis `json:"chassis"`
	IStep             *IStep  `json:"istep,omitempty"`
	Module            string  `json:"module"`
	DefinitionVersion string  `json:"definition_version,omitempty"`

	// CreatedAt is the snapshot creation time.
	CreatedAt time.Time `json:"created_at"`

	// Checksum is the hex-encoded SHA-256 digest of the payload data.
	// Invariant: Checksum == hash(BackupPayload.Data) always; a violated
	// checksum is a hard integrity failure, never silently accepted.
	Checksum string `json:"checksum"`
}

// BackupPayload is a complete backup record: metadata plus the raw bytes read
// from the module before any mutating request was sent. Created exactly once
// per write transaction and never mutated afterwards.
type BackupPayload struct {
	Metadata BackupMetadata `json:"metadata"`
	Data     []byte         `json:"data"`
}
