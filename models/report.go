// Package models - system data models
package models

import "time"

// KeyDerivationSchemeENUMType key derivation scheme ENUM value type
//
// The scheme which stretched a reporter secret into an encryption key is
// persisted next to the ciphertext, so records written under an older scheme
// remain decryptable after the preferred scheme changes.
type KeyDerivationSchemeENUMType string

const (
	// KeyDerivationSchemeArgon2id memory-hard Argon2id derivation. Preferred
	// for all new records.
	KeyDerivationSchemeArgon2id KeyDerivationSchemeENUMType = "argon2id-v1"

	// KeyDerivationSchemePBKDF2 iterated-hash PBKDF2-SHA256 derivation
	KeyDerivationSchemePBKDF2 KeyDerivationSchemeENUMType = "pbkdf2-sha256-v1"

	// KeyDerivationSchemePBKDF2EmbeddedSalt PBKDF2-SHA256 derivation where the
	// stored salt value carries a prefix tag ahead of the true salt bytes.
	// Exists only so historical records remain decryptable in their original
	// format.
	KeyDerivationSchemePBKDF2EmbeddedSalt KeyDerivationSchemeENUMType = "pbkdf2-embedded-salt-v1"
)

// Report an escrowed incident report
//
// The report content exists in the system only as ciphertext produced by the
// record cipher, keyed from the reporter's secret and Salt. The system itself
// cannot read it back.
type Report struct {
	// ID report ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,uuid_rfc4122"`

	// EncContent the encrypted report content. Cleared on withdrawal; the
	// remaining metadata persists for audit counters.
	EncContent []byte `json:"enc_content" gorm:"column:enc_content;default:null"`

	// Salt per-record random key derivation salt, generated fresh for every
	// report. Never reused across records.
	Salt []byte `json:"salt" gorm:"column:salt;default:null"`

	// KeyScheme the key derivation scheme which stretched the reporter secret
	KeyScheme KeyDerivationSchemeENUMType `json:"key_scheme" gorm:"column:key_scheme;not null" validate:"required,kdf_scheme"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// LastModifiedAt set on the first edit, updated on every edit after
	LastModifiedAt *time.Time `json:"last_modified_at,omitempty" gorm:"column:last_modified_at;default:null"`
	// WithdrawnAt set when the reporter withdraws the report
	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty" gorm:"column:withdrawn_at;default:null"`
}

// Withdrawn whether the report has been withdrawn
func (r *Report) Withdrawn() bool {
	return r.WithdrawnAt != nil
}
