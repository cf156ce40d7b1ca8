package models

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

/*
RegisterWithValidator register with the validator this custom validation support

	@param v *validator.Validate - the validator to register against
	@return whether successful
*/
func RegisterWithValidator(v *validator.Validate) error {
	if err := v.RegisterValidation(
		"kdf_scheme", validateKeyDerivationSchemeType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"match_record_state", validateMatchRecordStateType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"system_state", validateSystemStateType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"system_event_type", validateSystemEventType,
	); err != nil {
		return err
	}

	return nil
}

func validateKeyDerivationSchemeType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch KeyDerivationSchemeENUMType(fl.Field().String()) {
	case KeyDerivationSchemeArgon2id:
		fallthrough
	case KeyDerivationSchemePBKDF2:
		fallthrough
	case KeyDerivationSchemePBKDF2EmbeddedSalt:
		return true
	}
	return false
}

func validateMatchRecordStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch MatchRecordStateENUMType(fl.Field().String()) {
	case MatchRecordStatePending:
		fallthrough
	case MatchRecordStateMatched:
		fallthrough
	case MatchRecordStateWithdrawn:
		return true
	}
	return false
}

func validateSystemStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemStateENUMType(fl.Field().String()) {
	case SystemStatePreInit:
		fallthrough
	case SystemStateInit:
		fallthrough
	case SystemStateRunning:
		return true
	}
	return false
}

func validateSystemEventType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemEventTypeENUMType(fl.Field().String()) {
	case SystemEventTypeInitializing:
		fallthrough
	case SystemEventTypeInitialized:
		fallthrough
	case SystemEventTypeSubmitReport:
		fallthrough
	case SystemEventTypeEditReport:
		fallthrough
	case SystemEventTypeWithdrawReport:
		fallthrough
	case SystemEventTypeSubmitMatchClaim:
		fallthrough
	case SystemEventTypeWithdrawMatchClaim:
		fallthrough
	case SystemEventTypeMatchConfirmed:
		fallthrough
	case SystemEventTypeMatchDelivered:
		return true
	}
	return false
}
