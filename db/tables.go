package db

import (
	"context"

	"github.com/alwitt/harbor/models"
	"gorm.io/gorm"
)

// --------------------------------------------------------------------------------------
// System audit events

// SystemEventAuditDBEntry system audit event DB entry
type SystemEventAuditDBEntry struct {
	models.SystemEventAudit
}

// TableName hard code table name
func (SystemEventAuditDBEntry) TableName() string {
	return "system_audit_events"
}

// --------------------------------------------------------------------------------------
// System parameters

// SystemParamsDBEntry system parameter DB entry
type SystemParamsDBEntry struct {
	models.SystemParams
}

// TableName hard code table name
func (SystemParamsDBEntry) TableName() string {
	return "system_params"
}

// --------------------------------------------------------------------------------------
// Escrowed reports

// ReportDBEntry escrowed report DB entry
type ReportDBEntry struct {
	models.Report
}

// TableName hard code table name
func (ReportDBEntry) TableName() string {
	return "reports"
}

// --------------------------------------------------------------------------------------
// Match records

// MatchRecordDBEntry match claim DB entry
type MatchRecordDBEntry struct {
	models.MatchRecord
	Report ReportDBEntry `gorm:"constraint:OnDelete:CASCADE;foreignKey:ReportID" validate:"-"`
}

// TableName hard code table name
func (MatchRecordDBEntry) TableName() string {
	return "match_records"
}

// --------------------------------------------------------------------------------------
// Utility

// DefineTables helper function meant to be used for unit-testing to prepare a
// database with tables
func DefineTables(_ context.Context, db *gorm.DB) error {
	return db.AutoMigrate(
		SystemEventAuditDBEntry{},
		SystemParamsDBEntry{},
		ReportDBEntry{},
		MatchRecordDBEntry{},
	)
}
