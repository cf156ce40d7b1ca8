package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

// SystemEventTypeENUMType system event type ENUM value type
type SystemEventTypeENUMType string

const (
	// SystemEventTypeInitializing system is being initialized
	SystemEventTypeInitializing SystemEventTypeENUMType = "SYSTEM_INITIALIZING"

	// SystemEventTypeInitialized system is initialized
	SystemEventTypeInitialized SystemEventTypeENUMType = "SYSTEM_INITIALIZED"

	// SystemEventTypeSubmitReport new encrypted report entered escrow
	SystemEventTypeSubmitReport SystemEventTypeENUMType = "SUBMIT_REPORT"

	// SystemEventTypeEditReport an escrowed report was re-encrypted with new content
	SystemEventTypeEditReport SystemEventTypeENUMType = "EDIT_REPORT"

	// SystemEventTypeWithdrawReport a report was withdrawn and its ciphertext discarded
	SystemEventTypeWithdrawReport SystemEventTypeENUMType = "WITHDRAW_REPORT"

	// SystemEventTypeSubmitMatchClaim a new match claim entered the matching pool
	SystemEventTypeSubmitMatchClaim SystemEventTypeENUMType = "SUBMIT_MATCH_CLAIM"

	// SystemEventTypeWithdrawMatchClaim a pending match claim was withdrawn
	SystemEventTypeWithdrawMatchClaim SystemEventTypeENUMType = "WITHDRAW_MATCH_CLAIM"

	// SystemEventTypeMatchConfirmed a match claim transitioned to MATCHED
	SystemEventTypeMatchConfirmed SystemEventTypeENUMType = "MATCH_CONFIRMED"

	// SystemEventTypeMatchDelivered a resolved match group bundle was handed to
	// the courier
	SystemEventTypeMatchDelivered SystemEventTypeENUMType = "MATCH_BUNDLE_DELIVERED"
)

// SystemEventAudit recording of events occurring at the system level
type SystemEventAudit struct {
	// ID audit entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// EventType system event type
	EventType SystemEventTypeENUMType `json:"type" gorm:"column:type;not null" validate:"required,system_event_type"`
	// Metadata a metadata relating to the event
	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata;default:null"`
	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseMetadata parse the metadata based on the event type
func (a SystemEventAudit) ParseMetadata(validator *validator.Validate) (interface{}, error) {
	switch a.EventType {
	// Report related system audit events
	case SystemEventTypeSubmitReport:
		fallthrough
	case SystemEventTypeEditReport:
		fallthrough
	case SystemEventTypeWithdrawReport:
		var parsed SystemEventReportRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	// Match claim related system audit events
	case SystemEventTypeSubmitMatchClaim:
		fallthrough
	case SystemEventTypeWithdrawMatchClaim:
		fallthrough
	case SystemEventTypeMatchConfirmed:
		var parsed SystemEventMatchClaimRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	// Match group related system audit events
	case SystemEventTypeMatchDelivered:
		var parsed SystemEventMatchGroupRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)
	}
	return nil, nil
}

// SystemEventReportRelated system event metadata related to an escrowed report
type SystemEventReportRelated struct {
	// ReportID the report ID
	ReportID string `json:"report_id" validate:"required,uuid_rfc4122"`
}

// SystemEventMatchClaimRelated system event metadata related to a match claim
type SystemEventMatchClaimRelated struct {
	// MatchRecordID the match record ID
	MatchRecordID string `json:"match_record_id" validate:"required"`
	// ReportID the owning report ID
	ReportID string `json:"report_id" validate:"required,uuid_rfc4122"`
}

// SystemEventMatchGroupRelated system event metadata related to a resolved
// match group
type SystemEventMatchGroupRelated struct {
	// MatchIdentifier the shared comparison key of the group
	MatchIdentifier string `json:"match_identifier" validate:"required,hexadecimal"`
	// GroupSize number of claims delivered in the bundle
	GroupSize int `json:"group_size" validate:"required,gte=1"`
}
