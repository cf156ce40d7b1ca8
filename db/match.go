package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/harbor/models"
	"github.com/oklog/ulid/v2"
)

/*
DefineNewMatchRecord persist a new match record in PENDING state

	@param ctx context.Context - execution context
	@param params NewMatchRecordParams - record content
	@returns match record entry
*/
func (d *databaseImpl) DefineNewMatchRecord(
	_ context.Context, params NewMatchRecordParams,
) (models.MatchRecord, error) {
	if err := d.validator.Struct(&params); err != nil {
		return models.MatchRecord{}, fmt.Errorf("new match record params not valid [%w]", err)
	}

	// The owning report must exist and still carry content
	report, err := d.getReportEntry(params.ReportID)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf(
			"failed to fetch owning report %s [%w]", params.ReportID, err,
		)
	}
	if report.Withdrawn() {
		return models.MatchRecord{}, fmt.Errorf(
			"report %s was withdrawn, match record refused", params.ReportID,
		)
	}

	newEntry := MatchRecordDBEntry{
		MatchRecord: models.MatchRecord{
			ID:              ulid.Make().String(),
			ReportID:        params.ReportID,
			MatchIdentifier: params.MatchIdentifier,
			EncClaim:        params.EncClaim,
			EncMatchSecret:  params.EncMatchSecret,
			Salt:            params.Salt,
			KeyScheme:       params.KeyScheme,
			PepperKeyID:     params.PepperKeyID,
			State:           models.MatchRecordStatePending,
		},
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.MatchRecord{}, fmt.Errorf("new match record entry is not valid [%w]", err)
	}

	if tmp := d.db.Omit("Report").Create(&newEntry); tmp.Error != nil {
		return models.MatchRecord{}, fmt.Errorf("new match record insert failed [%w]", tmp.Error)
	}

	// Record this event
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeSubmitMatchClaim,
		models.SystemEventMatchClaimRelated{
			MatchRecordID: newEntry.ID, ReportID: newEntry.ReportID,
		},
	); err != nil {
		return models.MatchRecord{}, fmt.Errorf(
			"failed to log submit match claim %s audit event [%w]", newEntry.ID, err,
		)
	}

	return newEntry.MatchRecord, nil
}

// getMatchRecordEntry find a match record by ID
func (d *databaseImpl) getMatchRecordEntry(recordID string) (MatchRecordDBEntry, error) {
	var entry MatchRecordDBEntry
	err := d.db.Where("id = ?", recordID).First(&entry).Error
	return entry, err
}

/*
GetMatchRecord fetch a match record by ID

	@param ctx context.Context - execution context
	@param recordID string - match record ID
	@returns match record entry
*/
func (d *databaseImpl) GetMatchRecord(
	_ context.Context, recordID string,
) (models.MatchRecord, error) {
	entry, err := d.getMatchRecordEntry(recordID)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf(
			"failed to fetch match record %s [%w]", recordID, err,
		)
	}

	return entry.MatchRecord, nil
}

/*
ListMatchRecords list match records

	@param ctx context.Context - execution context
	@param filters MatchRecordQueryFilter - entry listing filter
	@return list of match records
*/
func (d *databaseImpl) ListMatchRecords(
	_ context.Context, filters MatchRecordQueryFilter,
) ([]models.MatchRecord, error) {
	query := d.db.Model(&MatchRecordDBEntry{})

	if len(filters.TargetStates) > 0 {
		query = query.Where("state in ?", filters.TargetStates)
	}
	if filters.TargetMatchIdentifier != nil {
		query = query.Where("match_identifier = ?", *filters.TargetMatchIdentifier)
	}
	if filters.TargetReportID != nil {
		query = query.Where("report_id = ?", *filters.TargetReportID)
	}

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	query = query.Order("created_at")

	var entries []MatchRecordDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list match records [%w]", tmp.Error)
	}

	result := []models.MatchRecord{}
	for _, entry := range entries {
		result = append(result, entry.MatchRecord)
	}

	return result, nil
}

/*
ListPendingMatchRecords list all match records still awaiting a match

	@param ctx context.Context - execution context
	@return list of PENDING match records
*/
func (d *databaseImpl) ListPendingMatchRecords(
	ctx context.Context,
) ([]models.MatchRecord, error) {
	return d.ListMatchRecords(ctx, MatchRecordQueryFilter{
		TargetStates: []models.MatchRecordStateENUMType{models.MatchRecordStatePending},
	})
}

/*
MarkMatchRecordMatched transition a match record from PENDING to MATCHED

The transition is a compare-and-set: it succeeds only if the record is
still PENDING at update time, so two concurrent evaluators cannot both
claim the same record.

	@param ctx context.Context - execution context
	@param recordID string - match record ID
	@param timestamp time.Time - match confirmation timestamp
*/
func (d *databaseImpl) MarkMatchRecordMatched(
	_ context.Context, recordID string, timestamp time.Time,
) error {
	tmp := d.db.
		Model(&MatchRecordDBEntry{}).
		Where("id = ? AND state = ?", recordID, models.MatchRecordStatePending).
		Updates(map[string]interface{}{
			"state":      models.MatchRecordStateMatched,
			"matched_at": timestamp,
		})
	if tmp.Error != nil {
		return fmt.Errorf("match record %s state update failed [%w]", recordID, tmp.Error)
	}

	if tmp.RowsAffected == 0 {
		// Either the record is missing, or another actor moved it first
		entry, err := d.getMatchRecordEntry(recordID)
		if err != nil {
			return fmt.Errorf("failed to fetch match record %s [%w]", recordID, err)
		}
		return fmt.Errorf(
			"match record %s is '%s', not PENDING [%w]",
			recordID, entry.State, models.ErrInvalidStateTransition,
		)
	}

	// Record this event
	entry, err := d.getMatchRecordEntry(recordID)
	if err != nil {
		return fmt.Errorf("failed to fetch match record %s [%w]", recordID, err)
	}
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeMatchConfirmed,
		models.SystemEventMatchClaimRelated{
			MatchRecordID: entry.ID, ReportID: entry.ReportID,
		},
	); err != nil {
		return fmt.Errorf(
			"failed to log match confirmed %s audit event [%w]", recordID, err,
		)
	}

	return nil
}

/*
WithdrawMatchRecord transition a match record from PENDING to WITHDRAWN

Fails with models.ErrInvalidStateTransition if the record already
MATCHED; a confirmed, delivered match cannot be retracted.

	@param ctx context.Context - execution context
	@param recordID string - match record ID
*/
func (d *databaseImpl) WithdrawMatchRecord(_ context.Context, recordID string) error {
	tmp := d.db.
		Model(&MatchRecordDBEntry{}).
		Where("id = ? AND state = ?", recordID, models.MatchRecordStatePending).
		Updates(map[string]interface{}{"state": models.MatchRecordStateWithdrawn})
	if tmp.Error != nil {
		return fmt.Errorf("match record %s state update failed [%w]", recordID, tmp.Error)
	}

	if tmp.RowsAffected == 0 {
		entry, err := d.getMatchRecordEntry(recordID)
		if err != nil {
			return fmt.Errorf("failed to fetch match record %s [%w]", recordID, err)
		}
		if entry.State == models.MatchRecordStateWithdrawn {
			// NOOP
			return nil
		}
		return fmt.Errorf(
			"match record %s can not be withdrawn [%w]",
			recordID,
			entry.ValidateNextState(models.MatchRecordStateWithdrawn),
		)
	}

	// Record this event
	entry, err := d.getMatchRecordEntry(recordID)
	if err != nil {
		return fmt.Errorf("failed to fetch match record %s [%w]", recordID, err)
	}
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeWithdrawMatchClaim,
		models.SystemEventMatchClaimRelated{
			MatchRecordID: entry.ID, ReportID: entry.ReportID,
		},
	); err != nil {
		return fmt.Errorf(
			"failed to log withdraw match claim %s audit event [%w]", recordID, err,
		)
	}

	return nil
}

/*
WithdrawPendingMatchRecordsOfReport withdraw all still-pending match
records owned by a report

	@param ctx context.Context - execution context
	@param reportID string - the owning report ID
	@returns number of records withdrawn
*/
func (d *databaseImpl) WithdrawPendingMatchRecordsOfReport(
	_ context.Context, reportID string,
) (int64, error) {
	tmp := d.db.
		Model(&MatchRecordDBEntry{}).
		Where("report_id = ? AND state = ?", reportID, models.MatchRecordStatePending).
		Updates(map[string]interface{}{"state": models.MatchRecordStateWithdrawn})
	if tmp.Error != nil {
		return 0, fmt.Errorf(
			"bulk match record withdrawal for report %s failed [%w]", reportID, tmp.Error,
		)
	}

	return tmp.RowsAffected, nil
}

/*
RecordMatchBundleDelivered record the audit event for a delivered match
group bundle

	@param ctx context.Context - execution context
	@param matchIdentifier string - shared comparison key of the group
	@param groupSize int - number of claims delivered in the bundle
*/
func (d *databaseImpl) RecordMatchBundleDelivered(
	_ context.Context, matchIdentifier string, groupSize int,
) error {
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeMatchDelivered,
		models.SystemEventMatchGroupRelated{
			MatchIdentifier: matchIdentifier, GroupSize: groupSize,
		},
	); err != nil {
		return fmt.Errorf("failed to log match bundle delivered audit event [%w]", err)
	}
	return nil
}
