package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/harbor/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// CommonListEntryQueryFilter common query filter when listing data entries
type CommonListEntryQueryFilter struct {
	Limit  *int
	Offset *int
}

// SystemEventQueryFilter audit event query filter conditions
type SystemEventQueryFilter struct {
	CommonListEntryQueryFilter
	// EventTypes the specific event types to query for
	EventTypes []models.SystemEventTypeENUMType
	// EventsAfter filter for events after this timestamp
	EventsAfter *time.Time
	// EventsBefore filter for events before this timestamp
	EventsBefore *time.Time
}

// ReportQueryFilter escrowed report query filter conditions
type ReportQueryFilter struct {
	CommonListEntryQueryFilter
	// IncludeWithdrawn also return withdrawn reports
	IncludeWithdrawn bool
}

// MatchRecordQueryFilter match record query filter conditions
type MatchRecordQueryFilter struct {
	CommonListEntryQueryFilter
	// TargetStates the specific states to query for
	TargetStates []models.MatchRecordStateENUMType
	// TargetMatchIdentifier fetch only records with this comparison key
	TargetMatchIdentifier *string
	// TargetReportID fetch only records owned by this report
	TargetReportID *string
}

// NewMatchRecordParams parameters for persisting a new match record
type NewMatchRecordParams struct {
	// ReportID the owning report
	ReportID string `validate:"required,uuid_rfc4122"`
	// MatchIdentifier derived comparison key
	MatchIdentifier string `validate:"required,hexadecimal"`
	// EncClaim pepper-sealed claim ciphertext
	EncClaim []byte `validate:"required"`
	// EncMatchSecret pepper-sealed normalized identifying text
	EncMatchSecret []byte `validate:"required"`
	// Salt per-record key derivation salt
	Salt []byte `validate:"required"`
	// KeyScheme key derivation scheme which stretched the claim key
	KeyScheme models.KeyDerivationSchemeENUMType `validate:"required,kdf_scheme"`
	// PepperKeyID fingerprint of the pepper key used
	PepperKeyID string `validate:"required"`
}

// Database the database handle to interacting with the data base
type Database interface {
	// ------------------------------------------------------------------------------------
	// System audit events

	/*
		ListSystemEvents list captured system events

			@param ctx context.Context - execution context
			@param filters SystemEventQueryFilter - entry listing filter
			@return list of system events
	*/
	ListSystemEvents(
		ctx context.Context, filters SystemEventQueryFilter,
	) ([]models.SystemEventAudit, error)

	// ------------------------------------------------------------------------------------
	// System parameters

	/*
		GetSystemParamEntry fetch the global singleton system parameter entry

			@param ctx context.Context - execution context
			@returns the entry
	*/
	GetSystemParamEntry(ctx context.Context) (models.SystemParams, error)

	/*
		MarkSystemInitializing mark system is initializing

			@param ctx context.Context - execution context
	*/
	MarkSystemInitializing(ctx context.Context) error

	/*
		MarkSystemInitialized mark system fully initialized

			@param ctx context.Context - execution context
	*/
	MarkSystemInitialized(ctx context.Context) error

	// ------------------------------------------------------------------------------------
	// Escrowed reports

	/*
		DefineNewReport persist a new escrowed report

			@param ctx context.Context - execution context
			@param encContent []byte - record cipher output
			@param salt []byte - per-record key derivation salt
			@param scheme models.KeyDerivationSchemeENUMType - derivation scheme used
			@returns report entry
	*/
	DefineNewReport(
		ctx context.Context,
		encContent []byte,
		salt []byte,
		scheme models.KeyDerivationSchemeENUMType,
	) (models.Report, error)

	/*
		GetReport fetch an escrowed report by ID

			@param ctx context.Context - execution context
			@param reportID string - report ID
			@returns report entry
	*/
	GetReport(ctx context.Context, reportID string) (models.Report, error)

	/*
		ListReports list escrowed reports

			@param ctx context.Context - execution context
			@param filters ReportQueryFilter - entry listing filter
			@return list of reports
	*/
	ListReports(ctx context.Context, filters ReportQueryFilter) ([]models.Report, error)

	/*
		UpdateReportContent replace the ciphertext of an escrowed report

		The salt and key derivation scheme of the report never change on edit.

			@param ctx context.Context - execution context
			@param reportID string - report ID
			@param encContent []byte - new record cipher output
			@param timestamp time.Time - edit timestamp
			@returns updated report entry
	*/
	UpdateReportContent(
		ctx context.Context, reportID string, encContent []byte, timestamp time.Time,
	) (models.Report, error)

	/*
		WithdrawReport discard a report's ciphertext and mark it withdrawn

		The report metadata persists for audit counters. Still-pending match
		records owned by the report are withdrawn as well.

			@param ctx context.Context - execution context
			@param reportID string - report ID
			@param timestamp time.Time - withdrawal timestamp
	*/
	WithdrawReport(ctx context.Context, reportID string, timestamp time.Time) error

	// ------------------------------------------------------------------------------------
	// Match records

	/*
		DefineNewMatchRecord persist a new match record in PENDING state

			@param ctx context.Context - execution context
			@param params NewMatchRecordParams - record content
			@returns match record entry
	*/
	DefineNewMatchRecord(
		ctx context.Context, params NewMatchRecordParams,
	) (models.MatchRecord, error)

	/*
		GetMatchRecord fetch a match record by ID

			@param ctx context.Context - execution context
			@param recordID string - match record ID
			@returns match record entry
	*/
	GetMatchRecord(ctx context.Context, recordID string) (models.MatchRecord, error)

	/*
		ListMatchRecords list match records

			@param ctx context.Context - execution context
			@param filters MatchRecordQueryFilter - entry listing filter
			@return list of match records
	*/
	ListMatchRecords(
		ctx context.Context, filters MatchRecordQueryFilter,
	) ([]models.MatchRecord, error)

	/*
		ListPendingMatchRecords list all match records still awaiting a match

			@param ctx context.Context - execution context
			@return list of PENDING match records
	*/
	ListPendingMatchRecords(ctx context.Context) ([]models.MatchRecord, error)

	/*
		MarkMatchRecordMatched transition a match record from PENDING to MATCHED

		The transition is a compare-and-set: it succeeds only if the record is
		still PENDING at update time, so two concurrent evaluators cannot both
		claim the same record.

			@param ctx context.Context - execution context
			@param recordID string - match record ID
			@param timestamp time.Time - match confirmation timestamp
	*/
	MarkMatchRecordMatched(ctx context.Context, recordID string, timestamp time.Time) error

	/*
		WithdrawMatchRecord transition a match record from PENDING to WITHDRAWN

		Fails with models.ErrInvalidStateTransition if the record already
		MATCHED; a confirmed, delivered match cannot be retracted.

			@param ctx context.Context - execution context
			@param recordID string - match record ID
	*/
	WithdrawMatchRecord(ctx context.Context, recordID string) error

	/*
		WithdrawPendingMatchRecordsOfReport withdraw all still-pending match
		records owned by a report

			@param ctx context.Context - execution context
			@param reportID string - the owning report ID
			@returns number of records withdrawn
	*/
	WithdrawPendingMatchRecordsOfReport(ctx context.Context, reportID string) (int64, error)

	/*
		RecordMatchBundleDelivered record the audit event for a delivered match
		group bundle

			@param ctx context.Context - execution context
			@param matchIdentifier string - shared comparison key of the group
			@param groupSize int - number of claims delivered in the bundle
	*/
	RecordMatchBundleDelivered(ctx context.Context, matchIdentifier string, groupSize int) error
}

// databaseImpl implements Database
type databaseImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

// newDatabase define a new database client
func newDatabase(_ context.Context, sqlClient *gorm.DB) (Database, error) {
	logTags := log.Fields{"package": "harbor", "module": "db", "component": "db-client"}

	instance := &databaseImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        sqlClient,
		validator: validator.New(),
	}

	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}
