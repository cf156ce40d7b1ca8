package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidStateTransition a match record was asked to make an illegal state
// transition (e.g. withdrawing an already matched record). The operation is
// rejected and the stored state is left unchanged.
var ErrInvalidStateTransition = errors.New("invalid match record state transition")

// MatchRecordStateENUMType match record state ENUM value type
type MatchRecordStateENUMType string

const (
	// MatchRecordStatePending the claim is waiting for other claims naming the
	// same party
	MatchRecordStatePending MatchRecordStateENUMType = "PENDING"
	// MatchRecordStateMatched the claim was part of a confirmed match group.
	// Terminal.
	MatchRecordStateMatched MatchRecordStateENUMType = "MATCHED"
	// MatchRecordStateWithdrawn the reporter withdrew the claim before it
	// matched. Terminal.
	MatchRecordStateWithdrawn MatchRecordStateENUMType = "WITHDRAWN"
)

// MatchRecord one reporter's claim against one identified party, pending
// matching against claims from other reporters
//
// The claim content is doubly protected: record-cipher ciphertext under a key
// stretched from the normalized identifying text, then sealed again under the
// server-held pepper key. A database dump alone is not enough to read it.
type MatchRecord struct {
	// ID match record ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`

	// ReportID the owning report. Withdrawing the report invalidates its
	// still-pending match records.
	ReportID string `json:"report_id" gorm:"column:report_id;not null" validate:"required,uuid_rfc4122"`

	// MatchIdentifier comparison key derived from the normalized identifying
	// text and a fixed application-wide context. Identical identifying text
	// always produces an identical value; the value is not invertible.
	MatchIdentifier string `json:"match_identifier" gorm:"column:match_identifier;not null;index" validate:"required,hexadecimal"`

	// EncClaim the claim content: record-cipher output sealed under the pepper
	EncClaim []byte `json:"enc_claim" gorm:"column:enc_claim;not null" validate:"required"`

	// EncMatchSecret the normalized identifying text sealed under the pepper.
	// Lets the matching engine re-derive the claim key at match time without
	// the reporter resupplying anything.
	EncMatchSecret []byte `json:"enc_match_secret" gorm:"column:enc_match_secret;not null" validate:"required"`

	// Salt per-record random key derivation salt
	Salt []byte `json:"salt" gorm:"column:salt;default:null"`

	// KeyScheme the key derivation scheme which stretched the claim key
	KeyScheme KeyDerivationSchemeENUMType `json:"key_scheme" gorm:"column:key_scheme;not null" validate:"required,kdf_scheme"`

	// PepperKeyID fingerprint of the pepper key which sealed EncClaim and
	// EncMatchSecret. Needed to pick the correct key after a pepper rotation.
	PepperKeyID string `json:"pepper_key_id" gorm:"column:pepper_key_id;not null" validate:"required"`

	// State match record state
	State MatchRecordStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,match_record_state"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
	// MatchedAt set once when the claim transitions to MATCHED
	MatchedAt *time.Time `json:"matched_at,omitempty" gorm:"column:matched_at;default:null"`
}

// ValidateNextState verify can transition to new state
func (m *MatchRecord) ValidateNextState(newState MatchRecordStateENUMType) error {
	statesWithTransitions := map[MatchRecordStateENUMType]map[MatchRecordStateENUMType]bool{
		MatchRecordStatePending: {
			MatchRecordStatePending:   true,
			MatchRecordStateMatched:   true,
			MatchRecordStateWithdrawn: true,
		},
		MatchRecordStateMatched: {
			MatchRecordStateMatched: true,
		},
		MatchRecordStateWithdrawn: {
			MatchRecordStateWithdrawn: true,
		},
	}

	availableNextStates, ok := statesWithTransitions[m.State]
	if !ok {
		return fmt.Errorf(
			"match record can't transition out of state '%s' [%w]", m.State, ErrInvalidStateTransition,
		)
	}

	if _, ok := availableNextStates[newState]; !ok {
		return fmt.Errorf(
			"match record can't transition from '%s' to '%s' [%w]",
			m.State, newState, ErrInvalidStateTransition,
		)
	}

	return nil
}
