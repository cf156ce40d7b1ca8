package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/harbor/db"
	"github.com/alwitt/harbor/matchkey"
	"github.com/alwitt/harbor/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

// defineTestReport persist a throwaway report to own match records
func defineTestReport(
	t *testing.T, utCtx context.Context, client db.Client,
) models.Report {
	var report models.Report
	err := client.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			r, err := dbClient.DefineNewReport(
				ctx,
				[]byte(uuid.NewString()),
				[]byte(uuid.NewString()),
				models.KeyDerivationSchemeArgon2id,
			)
			if err != nil {
				return err
			}
			report = r
			return nil
		},
	)
	assert.Nil(t, err)
	return report
}

// newTestMatchRecordParams match record params with placeholder ciphertext
func newTestMatchRecordParams(reportID string, identifyingText string) db.NewMatchRecordParams {
	return db.NewMatchRecordParams{
		ReportID:        reportID,
		MatchIdentifier: matchkey.Derive(identifyingText),
		EncClaim:        []byte(uuid.NewString()),
		EncMatchSecret:  []byte(uuid.NewString()),
		Salt:            []byte(uuid.NewString()),
		KeyScheme:       models.KeyDerivationSchemeArgon2id,
		PepperKeyID:     "0011223344556677",
	}
}

func TestDBMatchRecordLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	// Create a unique temporary DB file for this test
	testDB := fmt.Sprintf("/tmp/harbor_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	// Create database tables
	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	report := defineTestReport(t, utCtx, uut)

	// -------------------------------------------------------------------------
	// 1. Persist a new match record
	var record models.MatchRecord
	params := newTestMatchRecordParams(report.ID, "Jordan Blake")
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r, err := dbClient.DefineNewMatchRecord(ctx, params)
		if err != nil {
			return err
		}
		record = r
		return nil
	})
	assert.Nil(err)
	assert.Equal(models.MatchRecordStatePending, record.State)
	assert.Nil(record.MatchedAt)

	// 2. Read it back and verify content
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r, err := dbClient.GetMatchRecord(ctx, record.ID)
		if err != nil {
			return err
		}
		assert.Equal(params.MatchIdentifier, r.MatchIdentifier)
		assert.Equal(params.EncClaim, r.EncClaim)
		assert.Equal(params.EncMatchSecret, r.EncMatchSecret)
		assert.Equal(params.PepperKeyID, r.PepperKeyID)
		return nil
	})
	assert.Nil(err)

	// 3. A record against an unknown report is rejected
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.DefineNewMatchRecord(
			ctx, newTestMatchRecordParams(uuid.NewString(), "Jordan Blake"),
		)
		assert.NotNil(err)
		return nil
	})
	assert.Nil(err)

	// -------------------------------------------------------------------------
	// 4. Listing by identifier and by pending state finds the record
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		byID, err := dbClient.ListMatchRecords(ctx, db.MatchRecordQueryFilter{
			TargetMatchIdentifier: &params.MatchIdentifier,
		})
		assert.Nil(err)
		assert.Len(byID, 1)
		pending, err := dbClient.ListPendingMatchRecords(ctx)
		assert.Nil(err)
		assert.Len(pending, 1)
		return err
	})
	assert.Nil(err)

	// -------------------------------------------------------------------------
	// 5. Mark the record matched
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.MarkMatchRecordMatched(ctx, record.ID, time.Now().UTC())
	})
	assert.Nil(err)
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r, err := dbClient.GetMatchRecord(ctx, record.ID)
		assert.Nil(err)
		assert.Equal(models.MatchRecordStateMatched, r.State)
		assert.NotNil(r.MatchedAt)
		return err
	})
	assert.Nil(err)

	// 6. Marking it matched again loses the compare-and-set
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		err := dbClient.MarkMatchRecordMatched(ctx, record.ID, time.Now().UTC())
		assert.NotNil(err)
		return nil
	})
	assert.Nil(err)

	// 7. A matched record can not be withdrawn
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		err := dbClient.WithdrawMatchRecord(ctx, record.ID)
		assert.ErrorIs(err, models.ErrInvalidStateTransition)
		return nil
	})
	assert.Nil(err)

	// -------------------------------------------------------------------------
	// 8. A pending record withdraws cleanly, and doing it twice is a NOOP
	var record2 models.MatchRecord
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r, err := dbClient.DefineNewMatchRecord(
			ctx, newTestMatchRecordParams(report.ID, "Jordan Drake"),
		)
		if err != nil {
			return err
		}
		record2 = r
		return nil
	})
	assert.Nil(err)
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.WithdrawMatchRecord(ctx, record2.ID)
	})
	assert.Nil(err)
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.WithdrawMatchRecord(ctx, record2.ID)
	})
	assert.Nil(err)

	// 9. The lifecycle left an audit trail
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		events, err := dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{
			EventTypes: []models.SystemEventTypeENUMType{
				models.SystemEventTypeSubmitMatchClaim,
				models.SystemEventTypeMatchConfirmed,
				models.SystemEventTypeWithdrawMatchClaim,
			},
		})
		assert.Nil(err)
		assert.Len(events, 4)
		return err
	})
	assert.Nil(err)
}

func TestDBWithdrawReportCascadesToMatchRecords(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/harbor_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)
	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	report := defineTestReport(t, utCtx, uut)

	// 1. One pending record and one matched record under the report
	var pendingRecord, matchedRecord models.MatchRecord
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r1, err := dbClient.DefineNewMatchRecord(
			ctx, newTestMatchRecordParams(report.ID, "Jordan Blake"),
		)
		if err != nil {
			return err
		}
		pendingRecord = r1
		r2, err := dbClient.DefineNewMatchRecord(
			ctx, newTestMatchRecordParams(report.ID, "Jordan Drake"),
		)
		if err != nil {
			return err
		}
		matchedRecord = r2
		return dbClient.MarkMatchRecordMatched(ctx, r2.ID, time.Now().UTC())
	})
	assert.Nil(err)

	// 2. Withdraw the report
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.WithdrawReport(ctx, report.ID, time.Now().UTC())
	})
	assert.Nil(err)

	// 3. The pending record went with it; the matched record is untouched
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		r1, err := dbClient.GetMatchRecord(ctx, pendingRecord.ID)
		assert.Nil(err)
		assert.Equal(models.MatchRecordStateWithdrawn, r1.State)
		r2, err := dbClient.GetMatchRecord(ctx, matchedRecord.ID)
		assert.Nil(err)
		assert.Equal(models.MatchRecordStateMatched, r2.State)
		return err
	})
	assert.Nil(err)
}
