package matching_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/alwitt/harbor/db"
	"github.com/alwitt/harbor/encryption"
	"github.com/alwitt/harbor/escrow"
	"github.com/alwitt/harbor/keyderive"
	"github.com/alwitt/harbor/matching"
	"github.com/alwitt/harbor/matchkey"
	"github.com/alwitt/harbor/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

// capturedDelivery one courier hand-off captured by the test courier
type capturedDelivery struct {
	recipientRef string
	payload      []byte
	metadata     map[string]string
}

// captureCourier Courier which records every delivery
type captureCourier struct {
	lock       sync.Mutex
	deliveries []capturedDelivery
}

func (c *captureCourier) Deliver(
	_ context.Context, recipientRef string, payload []byte, metadata map[string]string,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.deliveries = append(c.deliveries, capturedDelivery{
		recipientRef: recipientRef, payload: payload, metadata: metadata,
	})
	return nil
}

func (c *captureCourier) forRecipient(recipientRef string) []capturedDelivery {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := []capturedDelivery{}
	for _, delivery := range c.deliveries {
		if delivery.recipientRef == recipientRef {
			result = append(result, delivery)
		}
	}
	return result
}

const testCoordinatorRef = "coordinator"

// newTestStack assemble the full pipeline over a fresh temporary database
func newTestStack(
	t *testing.T, utCtx context.Context,
) (db.Client, escrow.ReportEscrow, matching.Engine, *captureCourier) {
	courier := &captureCourier{deliveries: []capturedDelivery{}}
	persistence, escrowStore, engine := newTestStackWithCourier(t, utCtx, courier)
	return persistence, escrowStore, engine, courier
}

// newTestStackWithCourier assemble the full pipeline around a caller-chosen courier
func newTestStackWithCourier(
	t *testing.T, utCtx context.Context, courier matching.Courier,
) (db.Client, escrow.ReportEscrow, matching.Engine) {
	// Create a unique temporary DB file for this test
	testDB := fmt.Sprintf("/tmp/harbor_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	persistence, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(t, err)
	assert.Nil(t, persistence.RunSQLInTransaction(utCtx, db.DefineTables))

	pepperKey := make([]byte, 32)
	_, err = rand.Read(pepperKey)
	assert.Nil(t, err)
	pepperKeyFile := fmt.Sprintf("/tmp/harbor_ut_pepper_%s.key", ulid.Make().String())
	assert.Nil(t, os.WriteFile(pepperKeyFile, []byte(hex.EncodeToString(pepperKey)), 0o600))

	stretcher, err := keyderive.NewStretcher(keyderive.StretcherParams{
		Argon2: keyderive.Argon2Params{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1},
		PBKDF2: keyderive.PBKDF2Params{Iterations: 1000},
	})
	assert.Nil(t, err)

	cipher, err := encryption.NewCipherEngine(utCtx, encryption.CipherEngineParams{
		KeyDerivation:  stretcher,
		PepperKeyFiles: []string{pepperKeyFile},
	})
	assert.Nil(t, err)

	escrowStore, err := escrow.NewReportEscrow(utCtx, persistence, cipher)
	assert.Nil(t, err)

	engine, err := matching.NewEngine(utCtx, matching.EngineParams{
		Persistence:    persistence,
		Cipher:         cipher,
		Courier:        courier,
		CoordinatorRef: testCoordinatorRef,
	})
	assert.Nil(t, err)

	return persistence, escrowStore, engine
}

// submitTestReport escrow a throwaway report
func submitTestReport(
	t *testing.T, utCtx context.Context, escrowStore escrow.ReportEscrow,
) models.Report {
	report, err := escrowStore.SubmitReport(
		utCtx, []byte(uuid.NewString()), uuid.NewString(), nil,
	)
	assert.Nil(t, err)
	return report
}

func TestMatchingThresholdScenario(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	persistence, escrowStore, uut, courier := newTestStack(t, utCtx)

	reportA := submitTestReport(t, utCtx, escrowStore)
	reportB := submitTestReport(t, utCtx, escrowStore)
	reportC := submitTestReport(t, utCtx, escrowStore)

	// Reports A and B both name the same party; report C names someone else
	claimA := []byte(uuid.NewString())
	claimB := []byte(uuid.NewString())
	recordA, err := escrowStore.SubmitMatchClaim(utCtx, reportA.ID, "Jordan Blake", claimA, nil)
	assert.Nil(err)
	recordB, err := escrowStore.SubmitMatchClaim(utCtx, reportB.ID, "jordan BLAKE", claimB, nil)
	assert.Nil(err)
	_, err = escrowStore.SubmitMatchClaim(
		utCtx, reportC.ID, "Morgan Reyes", []byte(uuid.NewString()), nil,
	)
	assert.Nil(err)

	// 1. One group resolves, carrying exactly the two decrypted claims
	results, err := uut.EvaluateMatches(utCtx, nil)
	assert.Nil(err)
	assert.Len(results, 1)
	assert.Equal(matchkey.Derive("Jordan Blake"), results[0].MatchIdentifier)
	assert.Len(results[0].Members, 2)
	assert.Empty(results[0].FailedMembers)
	recovered := map[string][]byte{}
	for _, member := range results[0].Members {
		recovered[member.ReportID] = member.Claim
	}
	assert.Equal(claimA, recovered[reportA.ID])
	assert.Equal(claimB, recovered[reportB.ID])

	// 2. One bundle to the coordinator, one notification per matched reporter
	assert.Len(courier.forRecipient(testCoordinatorRef), 1)
	assert.Len(courier.forRecipient(reportA.ID), 1)
	assert.Len(courier.forRecipient(reportB.ID), 1)
	assert.Len(courier.forRecipient(reportC.ID), 0)

	// 3. Both matched records flipped; the unmatched claim stays pending
	err = persistence.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			rA, err := dbClient.GetMatchRecord(ctx, recordA.ID)
			assert.Nil(err)
			assert.Equal(models.MatchRecordStateMatched, rA.State)
			rB, err := dbClient.GetMatchRecord(ctx, recordB.ID)
			assert.Nil(err)
			assert.Equal(models.MatchRecordStateMatched, rB.State)
			pending, err := dbClient.ListPendingMatchRecords(ctx)
			assert.Nil(err)
			assert.Len(pending, 1)
			return err
		},
	)
	assert.Nil(err)

	// 4. A second pass is a NOOP: matched records are no longer pending
	results, err = uut.EvaluateMatches(utCtx, nil)
	assert.Nil(err)
	assert.Empty(results)
	assert.Len(courier.forRecipient(testCoordinatorRef), 1)

	// 5. The evaluation recorded the bundle delivery
	err = persistence.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			events, err := dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{
				EventTypes: []models.SystemEventTypeENUMType{models.SystemEventTypeMatchDelivered},
			})
			assert.Nil(err)
			assert.Len(events, 1)
			return err
		},
	)
	assert.Nil(err)
}

func TestMatchingDistinctReportThreshold(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	_, escrowStore, uut, courier := newTestStack(t, utCtx)

	// One report naming the same party twice is still one report
	report := submitTestReport(t, utCtx, escrowStore)
	_, err := escrowStore.SubmitMatchClaim(
		utCtx, report.ID, "Jordan Blake", []byte(uuid.NewString()), nil,
	)
	assert.Nil(err)
	_, err = escrowStore.SubmitMatchClaim(
		utCtx, report.ID, "Jordan Blake", []byte(uuid.NewString()), nil,
	)
	assert.Nil(err)

	// 1. No group resolves
	results, err := uut.EvaluateMatches(utCtx, nil)
	assert.Nil(err)
	assert.Empty(results)
	assert.Empty(courier.deliveries)

	// 2. A second report naming the party tips the group over the threshold
	report2 := submitTestReport(t, utCtx, escrowStore)
	_, err = escrowStore.SubmitMatchClaim(
		utCtx, report2.ID, "Jordan Blake", []byte(uuid.NewString()), nil,
	)
	assert.Nil(err)

	results, err = uut.EvaluateMatches(utCtx, nil)
	assert.Nil(err)
	assert.Len(results, 1)
	// All three claims deliver, including both from the first report
	assert.Len(results[0].Members, 3)
}

func TestMatchingMemberFailureIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	persistence, escrowStore, uut, courier := newTestStack(t, utCtx)

	reportA := submitTestReport(t, utCtx, escrowStore)
	reportB := submitTestReport(t, utCtx, escrowStore)
	reportC := submitTestReport(t, utCtx, escrowStore)

	claimA := []byte(uuid.NewString())
	claimB := []byte(uuid.NewString())
	recordA, err := escrowStore.SubmitMatchClaim(utCtx, reportA.ID, "Jordan Blake", claimA, nil)
	assert.Nil(err)
	recordB, err := escrowStore.SubmitMatchClaim(utCtx, reportB.ID, "Jordan Blake", claimB, nil)
	assert.Nil(err)

	// A third claim in the group whose pepper key was rotated away without
	// re-sealing. Its recovery must fail without touching the others.
	var brokenRecord models.MatchRecord
	err = persistence.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			r, err := dbClient.DefineNewMatchRecord(ctx, db.NewMatchRecordParams{
				ReportID:        reportC.ID,
				MatchIdentifier: matchkey.Derive("Jordan Blake"),
				EncClaim:        []byte(uuid.NewString()),
				EncMatchSecret:  []byte(uuid.NewString()),
				Salt:            []byte(uuid.NewString()),
				KeyScheme:       models.KeyDerivationSchemeArgon2id,
				PepperKeyID:     "ffffffffffffffff",
			})
			if err != nil {
				return err
			}
			brokenRecord = r
			return nil
		},
	)
	assert.Nil(err)

	// 1. The group still resolves with the two healthy members
	results, err := uut.EvaluateMatches(utCtx, nil)
	assert.Nil(err)
	assert.Len(results, 1)
	assert.Len(results[0].Members, 2)
	assert.Len(results[0].FailedMembers, 1)
	assert.ErrorIs(results[0].FailedMembers[brokenRecord.ID], encryption.ErrDecryption)

	// 2. The healthy members flipped; the broken member stays pending
	err = persistence.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			rA, err := dbClient.GetMatchRecord(ctx, recordA.ID)
			assert.Nil(err)
			assert.Equal(models.MatchRecordStateMatched, rA.State)
			rB, err := dbClient.GetMatchRecord(ctx, recordB.ID)
			assert.Nil(err)
			assert.Equal(models.MatchRecordStateMatched, rB.State)
			broken, err := dbClient.GetMatchRecord(ctx, brokenRecord.ID)
			assert.Nil(err)
			assert.Equal(models.MatchRecordStatePending, broken.State)
			return err
		},
	)
	assert.Nil(err)

	// 3. The delivered bundle carries only the healthy members
	bundles := courier.forRecipient(testCoordinatorRef)
	assert.Len(bundles, 1)
	assert.Equal("2", bundles[0].metadata["group-size"])
}

// refusingCourier Courier which rejects every delivery
type refusingCourier struct{}

func (c *refusingCourier) Deliver(
	_ context.Context, _ string, _ []byte, _ map[string]string,
) error {
	return fmt.Errorf("courier unavailable")
}

func TestMatchingDeliveryFailureLeavesNoDeliveryAudit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	persistence, escrowStore, uut := newTestStackWithCourier(t, utCtx, &refusingCourier{})

	reportA := submitTestReport(t, utCtx, escrowStore)
	reportB := submitTestReport(t, utCtx, escrowStore)

	recordA, err := escrowStore.SubmitMatchClaim(
		utCtx, reportA.ID, "Jordan Blake", []byte(uuid.NewString()), nil,
	)
	assert.Nil(err)
	recordB, err := escrowStore.SubmitMatchClaim(
		utCtx, reportB.ID, "Jordan Blake", []byte(uuid.NewString()), nil,
	)
	assert.Nil(err)

	// 1. The pass resolves the group but surfaces the dispatch failure
	results, err := uut.EvaluateMatches(utCtx, nil)
	assert.NotNil(err)
	assert.Len(results, 1)

	// 2. The state transitions committed before dispatch, so both records are
	//    MATCHED even though the courier refused the bundle
	err = persistence.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			rA, err := dbClient.GetMatchRecord(ctx, recordA.ID)
			assert.Nil(err)
			assert.Equal(models.MatchRecordStateMatched, rA.State)
			rB, err := dbClient.GetMatchRecord(ctx, recordB.ID)
			assert.Nil(err)
			assert.Equal(models.MatchRecordStateMatched, rB.State)
			return err
		},
	)
	assert.Nil(err)

	// 3. No audit row claims a delivery which never happened
	err = persistence.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			events, err := dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{
				EventTypes: []models.SystemEventTypeENUMType{models.SystemEventTypeMatchDelivered},
			})
			assert.Nil(err)
			assert.Empty(events)
			return err
		},
	)
	assert.Nil(err)
}

func TestMatchingWithdrawClaim(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	_, escrowStore, uut, _ := newTestStack(t, utCtx)

	reportA := submitTestReport(t, utCtx, escrowStore)
	reportB := submitTestReport(t, utCtx, escrowStore)

	recordA, err := escrowStore.SubmitMatchClaim(
		utCtx, reportA.ID, "Jordan Blake", []byte(uuid.NewString()), nil,
	)
	assert.Nil(err)
	recordB, err := escrowStore.SubmitMatchClaim(
		utCtx, reportB.ID, "Jordan Blake", []byte(uuid.NewString()), nil,
	)
	assert.Nil(err)

	// 1. Withdrawing one claim before evaluation empties the group below the
	//    threshold, so no match resolves
	assert.Nil(uut.WithdrawClaim(utCtx, recordA.ID, nil))
	results, err := uut.EvaluateMatches(utCtx, nil)
	assert.Nil(err)
	assert.Empty(results)

	// 2. Withdrawing again is a NOOP
	assert.Nil(uut.WithdrawClaim(utCtx, recordA.ID, nil))

	// 3. Once a claim has matched, withdrawal is refused
	reportC := submitTestReport(t, utCtx, escrowStore)
	_, err = escrowStore.SubmitMatchClaim(
		utCtx, reportC.ID, "Jordan Blake", []byte(uuid.NewString()), nil,
	)
	assert.Nil(err)
	results, err = uut.EvaluateMatches(utCtx, nil)
	assert.Nil(err)
	assert.Len(results, 1)
	err = uut.WithdrawClaim(utCtx, recordB.ID, nil)
	assert.ErrorIs(err, models.ErrInvalidStateTransition)

	// 4. Evaluation triggered by the new claim never resurrects the withdrawn one
	for _, member := range results[0].Members {
		assert.NotEqual(recordA.ID, member.MatchRecordID)
	}
}
