// Package escrow - escrowed report controllers
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/harbor/db"
	"github.com/alwitt/harbor/encryption"
	"github.com/alwitt/harbor/matchkey"
	"github.com/alwitt/harbor/models"
	"github.com/apex/log"
)

// ReportEscrow holds encrypted incident reports which the service itself can
// not read. Report content is sealed under a key stretched from a secret only
// the reporter knows; the service persists ciphertext, salt, and scheme.
type ReportEscrow interface {
	/*
		SubmitReport place a new report into escrow

			@param ctx context.Context - execution context
			@param content []byte - report content
			@param secret string - reporter supplied secret protecting the content
			@param activeDBClient Database - existing database transaction
			@returns the report entry
	*/
	SubmitReport(
		ctx context.Context, content []byte, secret string, activeDBClient db.Database,
	) (models.Report, error)

	/*
		ViewReport decrypt and return the content of an escrowed report

			@param ctx context.Context - execution context
			@param reportID string - report ID
			@param secret string - reporter supplied secret
			@param activeDBClient Database - existing database transaction
			@returns decrypted report content
	*/
	ViewReport(
		ctx context.Context, reportID string, secret string, activeDBClient db.Database,
	) ([]byte, error)

	/*
		EditReport replace the content of an escrowed report

		The caller must hold the correct secret; the existing ciphertext is
		opened first to prove it. The report keeps its original salt and key
		derivation scheme.

			@param ctx context.Context - execution context
			@param reportID string - report ID
			@param secret string - reporter supplied secret
			@param newContent []byte - replacement report content
			@param timestamp time.Time - edit timestamp
			@param activeDBClient Database - existing database transaction
			@returns the updated report entry
	*/
	EditReport(
		ctx context.Context,
		reportID string,
		secret string,
		newContent []byte,
		timestamp time.Time,
		activeDBClient db.Database,
	) (models.Report, error)

	/*
		WithdrawReport withdraw a report from escrow

		The ciphertext is discarded and any still-pending match records owned
		by the report leave the matching pool. Report metadata persists.

			@param ctx context.Context - execution context
			@param reportID string - report ID
			@param timestamp time.Time - withdrawal timestamp
			@param activeDBClient Database - existing database transaction
	*/
	WithdrawReport(
		ctx context.Context, reportID string, timestamp time.Time, activeDBClient db.Database,
	) error

	/*
		SubmitMatchClaim attach a match claim to an escrowed report

		The identifying text is normalized, then reduced to a keyed comparison
		digest for grouping. The claim content is sealed under a key stretched
		from the normalized text itself, then pepper-sealed, so neither the
		service database alone nor the pepper alone can expose it.

			@param ctx context.Context - execution context
			@param reportID string - the owning report ID
			@param identifyingText string - text identifying the accused party
			@param claimContent []byte - claim content released on a match
			@param activeDBClient Database - existing database transaction
			@returns the match record entry
	*/
	SubmitMatchClaim(
		ctx context.Context,
		reportID string,
		identifyingText string,
		claimContent []byte,
		activeDBClient db.Database,
	) (models.MatchRecord, error)
}

// reportEscrow implements ReportEscrow
type reportEscrow struct {
	goutils.Component

	persistence db.Client

	cipher encryption.CipherEngine
}

/*
NewReportEscrow define new report escrow

	@param ctx context.Context - execution context
	@param persistence db.Client - persistence layer client
	@param cipher encryption.CipherEngine - cipher engine
	@returns escrow instance
*/
func NewReportEscrow(
	_ context.Context, persistence db.Client, cipher encryption.CipherEngine,
) (ReportEscrow, error) {
	logTags := log.Fields{"module": "escrow", "component": "report-escrow"}

	instance := &reportEscrow{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		cipher:      cipher,
	}

	return instance, nil
}

/*
SubmitReport place a new report into escrow

	@param ctx context.Context - execution context
	@param content []byte - report content
	@param secret string - reporter supplied secret protecting the content
	@param activeDBClient Database - existing database transaction
	@returns the report entry
*/
func (s *reportEscrow) SubmitReport(
	ctx context.Context, content []byte, secret string, activeDBClient db.Database,
) (models.Report, error) {
	// Seal the content outside the transaction. Key stretching is slow on
	// purpose, and holding a transaction open across it serves nothing.
	salt, err := s.cipher.NewRecordSalt(ctx)
	if err != nil {
		return models.Report{}, fmt.Errorf("failed to generate report salt [%w]", err)
	}

	scheme := s.cipher.PreferredScheme()
	sealed, err := s.cipher.SealRecord(ctx, secret, salt, scheme, content)
	if err != nil {
		return models.Report{}, fmt.Errorf("failed to seal report content [%w]", err)
	}

	var reportEntry models.Report
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			reportEntry, err = dbClient.DefineNewReport(dbCtx, sealed, salt, scheme)
			if err != nil {
				return fmt.Errorf("failed to define new report [%w]", err)
			}
			return nil
		},
	); dbErr != nil {
		return models.Report{}, fmt.Errorf("failed to submit report [%w]", dbErr)
	}

	return reportEntry, nil
}

/*
ViewReport decrypt and return the content of an escrowed report

	@param ctx context.Context - execution context
	@param reportID string - report ID
	@param secret string - reporter supplied secret
	@param activeDBClient Database - existing database transaction
	@returns decrypted report content
*/
func (s *reportEscrow) ViewReport(
	ctx context.Context, reportID string, secret string, activeDBClient db.Database,
) ([]byte, error) {
	var reportEntry models.Report

	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			reportEntry, err = dbClient.GetReport(dbCtx, reportID)
			return err
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to find report %s [%w]", reportID, dbErr)
	}

	if reportEntry.Withdrawn() {
		return nil, fmt.Errorf("report %s was withdrawn, content is gone", reportID)
	}

	plainText, err := s.cipher.OpenRecord(
		ctx, secret, reportEntry.Salt, reportEntry.KeyScheme, reportEntry.EncContent,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open report %s [%w]", reportID, err)
	}

	return plainText, nil
}

/*
EditReport replace the content of an escrowed report

	@param ctx context.Context - execution context
	@param reportID string - report ID
	@param secret string - reporter supplied secret
	@param newContent []byte - replacement report content
	@param timestamp time.Time - edit timestamp
	@param activeDBClient Database - existing database transaction
	@returns the updated report entry
*/
func (s *reportEscrow) EditReport(
	ctx context.Context,
	reportID string,
	secret string,
	newContent []byte,
	timestamp time.Time,
	activeDBClient db.Database,
) (models.Report, error) {
	// Opening the existing ciphertext proves the caller holds the secret
	if _, err := s.ViewReport(ctx, reportID, secret, activeDBClient); err != nil {
		return models.Report{}, fmt.Errorf("edit of report %s refused [%w]", reportID, err)
	}

	var reportEntry models.Report
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			existing, err := dbClient.GetReport(dbCtx, reportID)
			if err != nil {
				return fmt.Errorf("failed to find report %s [%w]", reportID, err)
			}

			// Same salt and scheme; only the ciphertext changes
			sealed, err := s.cipher.SealRecord(
				ctx, secret, existing.Salt, existing.KeyScheme, newContent,
			)
			if err != nil {
				return fmt.Errorf("failed to seal replacement content [%w]", err)
			}

			reportEntry, err = dbClient.UpdateReportContent(dbCtx, reportID, sealed, timestamp)
			if err != nil {
				return fmt.Errorf("failed to update report content [%w]", err)
			}
			return nil
		},
	); dbErr != nil {
		return models.Report{}, fmt.Errorf("failed to edit report %s [%w]", reportID, dbErr)
	}

	return reportEntry, nil
}

/*
WithdrawReport withdraw a report from escrow

	@param ctx context.Context - execution context
	@param reportID string - report ID
	@param timestamp time.Time - withdrawal timestamp
	@param activeDBClient Database - existing database transaction
*/
func (s *reportEscrow) WithdrawReport(
	ctx context.Context, reportID string, timestamp time.Time, activeDBClient db.Database,
) error {
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.WithdrawReport(dbCtx, reportID, timestamp)
		},
	); dbErr != nil {
		return fmt.Errorf("failed to withdraw report %s [%w]", reportID, dbErr)
	}

	return nil
}

/*
SubmitMatchClaim attach a match claim to an escrowed report

	@param ctx context.Context - execution context
	@param reportID string - the owning report ID
	@param identifyingText string - text identifying the accused party
	@param claimContent []byte - claim content released on a match
	@param activeDBClient Database - existing database transaction
	@returns the match record entry
*/
func (s *reportEscrow) SubmitMatchClaim(
	ctx context.Context,
	reportID string,
	identifyingText string,
	claimContent []byte,
	activeDBClient db.Database,
) (models.MatchRecord, error) {
	normalized := matchkey.Normalize(identifyingText)
	if normalized == "" {
		return models.MatchRecord{}, fmt.Errorf("identifying text is empty after normalization")
	}
	matchIdentifier := matchkey.Derive(identifyingText)

	// Inner layer: claim sealed under a key stretched from the normalized
	// identifying text. Anyone naming the same party can re-derive this key.
	salt, err := s.cipher.NewRecordSalt(ctx)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("failed to generate claim salt [%w]", err)
	}
	scheme := s.cipher.PreferredScheme()
	innerSealed, err := s.cipher.SealRecord(ctx, normalized, salt, scheme, claimContent)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("failed to seal claim content [%w]", err)
	}

	// Outer layer: pepper sealing keeps a database dump from exposing the
	// claim to offline key stretching against candidate names.
	encClaim, pepperKeyID, err := s.cipher.PepperSeal(ctx, innerSealed)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("failed to pepper seal claim [%w]", err)
	}

	// The normalized text itself is escrowed under the pepper so match
	// evaluation can re-derive the claim key without the reporter present.
	encMatchSecret, _, err := s.cipher.PepperSeal(ctx, []byte(normalized))
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("failed to pepper seal match secret [%w]", err)
	}

	var recordEntry models.MatchRecord
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			recordEntry, err = dbClient.DefineNewMatchRecord(dbCtx, db.NewMatchRecordParams{
				ReportID:        reportID,
				MatchIdentifier: matchIdentifier,
				EncClaim:        encClaim,
				EncMatchSecret:  encMatchSecret,
				Salt:            salt,
				KeyScheme:       scheme,
				PepperKeyID:     pepperKeyID,
			})
			if err != nil {
				return fmt.Errorf("failed to define new match record [%w]", err)
			}
			return nil
		},
	); dbErr != nil {
		return models.MatchRecord{}, fmt.Errorf(
			"failed to submit match claim for report %s [%w]", reportID, dbErr,
		)
	}

	return recordEntry, nil
}
