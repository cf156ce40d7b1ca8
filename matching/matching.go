// Package matching - delayed match evaluation over escrowed claims
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/harbor/db"
	"github.com/alwitt/harbor/encryption"
	"github.com/alwitt/harbor/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// DefaultMatchThreshold minimum number of distinct reports naming the same
// party before a match group resolves
const DefaultMatchThreshold = 2

// Courier hands resolved match material to the outside world. Implementations
// deliver to a human coordinator, a mail system, a message queue, etc.
type Courier interface {
	/*
		Deliver hand a payload to a recipient

			@param ctx context.Context - execution context
			@param recipientRef string - opaque recipient reference
			@param payload []byte - delivery payload
			@param metadata map[string]string - delivery metadata
	*/
	Deliver(ctx context.Context, recipientRef string, payload []byte, metadata map[string]string) error
}

// RecoveredClaim one successfully decrypted member of a resolved match group
type RecoveredClaim struct {
	// MatchRecordID the match record ID
	MatchRecordID string `json:"match_record_id"`
	// ReportID the owning report ID
	ReportID string `json:"report_id"`
	// Claim decrypted claim content
	Claim []byte `json:"claim"`
}

// MatchGroupResult the outcome of resolving one qualifying match group
type MatchGroupResult struct {
	// MatchIdentifier the shared comparison key of the group
	MatchIdentifier string `json:"match_identifier"`
	// Members the claims recovered and flipped to MATCHED by this evaluation
	Members []RecoveredClaim `json:"members"`
	// FailedMembers recovery errors keyed by match record ID. These records
	// stay PENDING and are absent from Members.
	FailedMembers map[string]error `json:"-"`
}

// Engine evaluates the pool of pending match claims
type Engine interface {
	/*
		EvaluateMatches run one matching pass over all pending claims

		Pending claims sharing a match identifier form a group; a group with at
		least the threshold number of distinct reports resolves. Each member of
		a resolving group is decrypted server-side, then atomically moved to
		MATCHED. Members whose recovery fails stay PENDING and do not block the
		rest of the group. Resolved bundles go to the courier only after the
		transaction commits.

			@param ctx context.Context - execution context
			@param activeDBClient Database - existing database transaction
			@returns results of every group which resolved this pass
	*/
	EvaluateMatches(ctx context.Context, activeDBClient db.Database) ([]MatchGroupResult, error)

	/*
		WithdrawClaim withdraw a pending match claim

		Fails with models.ErrInvalidStateTransition if the claim already
		matched; a delivered match can not be retracted.

			@param ctx context.Context - execution context
			@param matchRecordID string - match record ID
			@param activeDBClient Database - existing database transaction
	*/
	WithdrawClaim(ctx context.Context, matchRecordID string, activeDBClient db.Database) error
}

// matchingEngine implements Engine
type matchingEngine struct {
	goutils.Component

	persistence db.Client

	cipher encryption.CipherEngine

	courier Courier

	// coordinatorRef courier recipient for resolved group bundles
	coordinatorRef string

	threshold int
}

// EngineParams matching engine init parameters
type EngineParams struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"required"`
	// Cipher cipher engine
	Cipher encryption.CipherEngine `validate:"required"`
	// Courier delivery collaborator
	Courier Courier `validate:"required"`
	// CoordinatorRef courier recipient reference for resolved group bundles
	CoordinatorRef string `validate:"required"`
	// MatchThreshold minimum distinct reports per group. When 0, the default
	// threshold applies.
	MatchThreshold int `validate:"gte=0"`
}

/*
NewEngine define new matching engine

	@param ctx context.Context - execution context
	@param params EngineParams - engine parameters
	@returns engine instance
*/
func NewEngine(_ context.Context, params EngineParams) (Engine, error) {
	logTags := log.Fields{"module": "matching", "component": "matching-engine"}

	if err := validator.New().Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid engine init parameters [%w]", err)
	}

	threshold := params.MatchThreshold
	if threshold == 0 {
		threshold = DefaultMatchThreshold
	}

	instance := &matchingEngine{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence:    params.Persistence,
		cipher:         params.Cipher,
		courier:        params.Courier,
		coordinatorRef: params.CoordinatorRef,
		threshold:      threshold,
	}

	return instance, nil
}

// recoverClaim decrypt one match record's claim content server-side
//
// The pepper unwraps the escrowed identifying text, which stretches back into
// the claim key. Nothing from the reporter is needed.
func (m *matchingEngine) recoverClaim(
	ctx context.Context, record models.MatchRecord,
) ([]byte, error) {
	matchSecret, err := m.cipher.PepperOpen(ctx, record.EncMatchSecret, record.PepperKeyID)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to recover match secret of record %s [%w]", record.ID, err,
		)
	}

	innerSealed, err := m.cipher.PepperOpen(ctx, record.EncClaim, record.PepperKeyID)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to unwrap claim of record %s [%w]", record.ID, err,
		)
	}

	claim, err := m.cipher.OpenRecord(
		ctx, string(matchSecret), record.Salt, record.KeyScheme, innerSealed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open claim of record %s [%w]", record.ID, err)
	}

	return claim, nil
}

/*
EvaluateMatches run one matching pass over all pending claims

	@param ctx context.Context - execution context
	@param activeDBClient Database - existing database transaction
	@returns results of every group which resolved this pass
*/
func (m *matchingEngine) EvaluateMatches(
	ctx context.Context, activeDBClient db.Database,
) ([]MatchGroupResult, error) {
	results := []MatchGroupResult{}

	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, m.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			pending, err := dbClient.ListPendingMatchRecords(dbCtx)
			if err != nil {
				return fmt.Errorf("failed to list pending match records [%w]", err)
			}

			// Group by comparison key
			groups := map[string][]models.MatchRecord{}
			for _, record := range pending {
				groups[record.MatchIdentifier] = append(groups[record.MatchIdentifier], record)
			}

			for matchIdentifier, members := range groups {
				// A group resolves on distinct reports, not raw claim count. One
				// report naming the same party twice is still one report.
				distinctReports := map[string]bool{}
				for _, record := range members {
					distinctReports[record.ReportID] = true
				}
				if len(distinctReports) < m.threshold {
					continue
				}

				result := MatchGroupResult{
					MatchIdentifier: matchIdentifier,
					Members:         []RecoveredClaim{},
					FailedMembers:   map[string]error{},
				}

				for _, record := range members {
					claim, err := m.recoverClaim(dbCtx, record)
					if err != nil {
						// This member stays PENDING. The rest of the group proceeds.
						result.FailedMembers[record.ID] = err
						continue
					}

					// CAS flip. Losing the race means another evaluator owns this
					// member's delivery.
					if err := dbClient.MarkMatchRecordMatched(
						dbCtx, record.ID, time.Now().UTC(),
					); err != nil {
						if errors.Is(err, models.ErrInvalidStateTransition) {
							continue
						}
						return fmt.Errorf(
							"failed to mark match record %s matched [%w]", record.ID, err,
						)
					}

					result.Members = append(result.Members, RecoveredClaim{
						MatchRecordID: record.ID,
						ReportID:      record.ReportID,
						Claim:         claim,
					})
				}

				if len(result.Members) > 0 {
					results = append(results, result)
				}
			}

			return nil
		},
	); dbErr != nil {
		return nil, fmt.Errorf("match evaluation pass failed [%w]", dbErr)
	}

	// Dispatch only after the state transitions are committed. A crash before
	// this point leaves the records MATCHED with no delivery; a crash before
	// commit leaves them PENDING for the next pass. Neither delivers twice.
	var deliveryErrs error
	for _, result := range results {
		if err := m.deliverGroup(ctx, result); err != nil {
			deliveryErrs = errors.Join(deliveryErrs, err)
			continue
		}

		// The audit row asserts a delivery happened, so it is written only once
		// the courier has accepted the bundle
		if err := db.ActiveSessionWrapper(
			ctx, activeDBClient, m.persistence,
			func(dbCtx context.Context, dbClient db.Database) error {
				return dbClient.RecordMatchBundleDelivered(
					dbCtx, result.MatchIdentifier, len(result.Members),
				)
			},
		); err != nil {
			deliveryErrs = errors.Join(deliveryErrs, err)
		}
	}
	if deliveryErrs != nil {
		return results, fmt.Errorf("match bundle dispatch incomplete [%w]", deliveryErrs)
	}

	return results, nil
}

// deliverGroup hand one resolved group to the courier
//
// One bundle of decrypted claims goes to the coordinator, and one notification
// goes to each matched reporter.
func (m *matchingEngine) deliverGroup(ctx context.Context, result MatchGroupResult) error {
	bundle, err := json.Marshal(&result)
	if err != nil {
		return fmt.Errorf(
			"failed to serialize bundle for group %s [%w]", result.MatchIdentifier, err,
		)
	}

	metadata := map[string]string{
		"match-identifier": result.MatchIdentifier,
		"group-size":       fmt.Sprintf("%d", len(result.Members)),
	}

	if err := m.courier.Deliver(ctx, m.coordinatorRef, bundle, metadata); err != nil {
		return fmt.Errorf(
			"failed to deliver bundle for group %s [%w]", result.MatchIdentifier, err,
		)
	}

	for _, member := range result.Members {
		notice, err := json.Marshal(&struct {
			MatchRecordID string `json:"match_record_id"`
			ReportID      string `json:"report_id"`
		}{MatchRecordID: member.MatchRecordID, ReportID: member.ReportID})
		if err != nil {
			return fmt.Errorf(
				"failed to serialize notification for record %s [%w]", member.MatchRecordID, err,
			)
		}

		if err := m.courier.Deliver(ctx, member.ReportID, notice, metadata); err != nil {
			return fmt.Errorf(
				"failed to notify reporter of record %s [%w]", member.MatchRecordID, err,
			)
		}
	}

	return nil
}

/*
WithdrawClaim withdraw a pending match claim

	@param ctx context.Context - execution context
	@param matchRecordID string - match record ID
	@param activeDBClient Database - existing database transaction
*/
func (m *matchingEngine) WithdrawClaim(
	ctx context.Context, matchRecordID string, activeDBClient db.Database,
) error {
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, m.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.WithdrawMatchRecord(dbCtx, matchRecordID)
		},
	); dbErr != nil {
		return fmt.Errorf("failed to withdraw match claim %s [%w]", matchRecordID, dbErr)
	}

	return nil
}
