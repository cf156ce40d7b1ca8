package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/harbor/models"
	"github.com/google/uuid"
)

/*
DefineNewReport persist a new escrowed report

	@param ctx context.Context - execution context
	@param encContent []byte - record cipher output
	@param salt []byte - per-record key derivation salt
	@param scheme models.KeyDerivationSchemeENUMType - derivation scheme used
	@returns report entry
*/
func (d *databaseImpl) DefineNewReport(
	_ context.Context,
	encContent []byte,
	salt []byte,
	scheme models.KeyDerivationSchemeENUMType,
) (models.Report, error) {
	if len(encContent) == 0 {
		return models.Report{}, fmt.Errorf("new report carries no ciphertext")
	}

	newEntry := ReportDBEntry{
		Report: models.Report{
			ID:         uuid.NewString(),
			EncContent: encContent,
			Salt:       salt,
			KeyScheme:  scheme,
		},
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.Report{}, fmt.Errorf("new report entry is not valid [%w]", err)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.Report{}, fmt.Errorf("new report entry insert failed [%w]", tmp.Error)
	}

	// Record this event
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeSubmitReport,
		models.SystemEventReportRelated{ReportID: newEntry.ID},
	); err != nil {
		return models.Report{}, fmt.Errorf(
			"failed to log submit report %s audit event [%w]", newEntry.ID, err,
		)
	}

	return newEntry.Report, nil
}

// getReportEntry find an escrowed report by ID
func (d *databaseImpl) getReportEntry(reportID string) (ReportDBEntry, error) {
	var entry ReportDBEntry
	err := d.db.Where("id = ?", reportID).First(&entry).Error
	return entry, err
}

/*
GetReport fetch an escrowed report by ID

	@param ctx context.Context - execution context
	@param reportID string - report ID
	@returns report entry
*/
func (d *databaseImpl) GetReport(
	_ context.Context, reportID string,
) (models.Report, error) {
	entry, err := d.getReportEntry(reportID)
	if err != nil {
		return models.Report{}, fmt.Errorf("failed to fetch report %s [%w]", reportID, err)
	}

	return entry.Report, nil
}

/*
ListReports list escrowed reports

	@param ctx context.Context - execution context
	@param filters ReportQueryFilter - entry listing filter
	@return list of reports
*/
func (d *databaseImpl) ListReports(
	_ context.Context, filters ReportQueryFilter,
) ([]models.Report, error) {
	query := d.db.Model(&ReportDBEntry{})

	if !filters.IncludeWithdrawn {
		query = query.Where("withdrawn_at IS NULL")
	}

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	query = query.Order("created_at desc")

	var entries []ReportDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list escrowed reports [%w]", tmp.Error)
	}

	result := []models.Report{}
	for _, entry := range entries {
		result = append(result, entry.Report)
	}

	return result, nil
}

/*
UpdateReportContent replace the ciphertext of an escrowed report

The salt and key derivation scheme of the report never change on edit.

	@param ctx context.Context - execution context
	@param reportID string - report ID
	@param encContent []byte - new record cipher output
	@param timestamp time.Time - edit timestamp
	@returns updated report entry
*/
func (d *databaseImpl) UpdateReportContent(
	_ context.Context, reportID string, encContent []byte, timestamp time.Time,
) (models.Report, error) {
	if len(encContent) == 0 {
		return models.Report{}, fmt.Errorf("report edit carries no ciphertext")
	}

	entry, err := d.getReportEntry(reportID)
	if err != nil {
		return models.Report{}, fmt.Errorf("failed to fetch report %s [%w]", reportID, err)
	}

	if entry.Withdrawn() {
		return models.Report{}, fmt.Errorf("report %s was withdrawn, edit refused", reportID)
	}

	entry.EncContent = encContent
	entry.LastModifiedAt = &timestamp
	if tmp := d.db.Updates(&entry); tmp.Error != nil {
		return models.Report{}, fmt.Errorf("report %s content update failed [%w]", reportID, tmp.Error)
	}

	// Record this event
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeEditReport,
		models.SystemEventReportRelated{ReportID: entry.ID},
	); err != nil {
		return models.Report{}, fmt.Errorf(
			"failed to log edit report %s audit event [%w]", reportID, err,
		)
	}

	return entry.Report, nil
}

/*
WithdrawReport discard a report's ciphertext and mark it withdrawn

The report metadata persists for audit counters. Still-pending match
records owned by the report are withdrawn as well.

	@param ctx context.Context - execution context
	@param reportID string - report ID
	@param timestamp time.Time - withdrawal timestamp
*/
func (d *databaseImpl) WithdrawReport(
	ctx context.Context, reportID string, timestamp time.Time,
) error {
	entry, err := d.getReportEntry(reportID)
	if err != nil {
		return fmt.Errorf("failed to fetch report %s [%w]", reportID, err)
	}

	if entry.Withdrawn() {
		// NOOP
		return nil
	}

	if tmp := d.db.Model(&entry).Updates(map[string]interface{}{
		"enc_content":  nil,
		"withdrawn_at": timestamp,
	}); tmp.Error != nil {
		return fmt.Errorf("report %s withdrawal update failed [%w]", reportID, tmp.Error)
	}

	// The report's pending match records leave the matching pool with it
	if _, err := d.WithdrawPendingMatchRecordsOfReport(ctx, reportID); err != nil {
		return fmt.Errorf(
			"failed to withdraw pending match records of report %s [%w]", reportID, err,
		)
	}

	// Record this event
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeWithdrawReport,
		models.SystemEventReportRelated{ReportID: entry.ID},
	); err != nil {
		return fmt.Errorf(
			"failed to log withdraw report %s audit event [%w]", reportID, err,
		)
	}

	return nil
}
