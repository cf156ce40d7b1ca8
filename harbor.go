// Package harbor - encrypted incident-report escrow with delayed matching
package harbor

import (
	"context"
	"fmt"

	"github.com/alwitt/harbor/db"
	"github.com/alwitt/harbor/encryption"
	"github.com/alwitt/harbor/escrow"
	"github.com/alwitt/harbor/keyderive"
	"github.com/alwitt/harbor/matching"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MatchingEscrow the assembled service: the report escrow and the matching
// engine over one shared persistence layer and cipher engine
type MatchingEscrow struct {
	// Escrow escrowed report operations
	Escrow escrow.ReportEscrow
	// Matching match claim evaluation operations
	Matching matching.Engine
	// Persistence the shared persistence layer client
	Persistence db.Client
}

// MatchingEscrowParams service init parameters
type MatchingEscrowParams struct {
	// DBDialector GORM dialector
	DBDialector gorm.Dialector
	// DBLogLevel SQL log level
	DBLogLevel logger.LogLevel
	// PepperKeyFiles file paths to hex pepper key files, primary first
	PepperKeyFiles []string
	// KeyDerivation key stretcher. When nil, production cost defaults apply.
	KeyDerivation keyderive.Stretcher
	// Courier delivery collaborator for resolved matches
	Courier matching.Courier
	// CoordinatorRef courier recipient reference for resolved group bundles
	CoordinatorRef string
	// MatchThreshold minimum distinct reports per match group. When 0, the
	// default threshold applies.
	MatchThreshold int
}

/*
NewMatchingEscrow initialize a matching escrow instance.

Each instance is backed by a SQL database; two instances using the same
database operate on the same escrow pool.

	@param ctx context.Context - execution context
	@param params MatchingEscrowParams - service init parameters
	@returns new service instance
*/
func NewMatchingEscrow(
	ctx context.Context, params MatchingEscrowParams,
) (*MatchingEscrow, error) {
	// Prepare persistence
	persistence, err := db.NewConnection(params.DBDialector, params.DBLogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized persistence client [%w]", err)
	}

	if err := persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.MarkSystemInitializing(dbCtx)
		},
	); err != nil {
		return nil, fmt.Errorf("failed to mark system initializing [%w]", err)
	}

	// Prepare cipher engine
	cipher, err := encryption.NewCipherEngine(ctx, encryption.CipherEngineParams{
		KeyDerivation:  params.KeyDerivation,
		PepperKeyFiles: params.PepperKeyFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized cipher engine [%w]", err)
	}

	// Prepare report escrow
	escrowStore, err := escrow.NewReportEscrow(ctx, persistence, cipher)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized report escrow [%w]", err)
	}

	// Prepare matching engine
	matcher, err := matching.NewEngine(ctx, matching.EngineParams{
		Persistence:    persistence,
		Cipher:         cipher,
		Courier:        params.Courier,
		CoordinatorRef: params.CoordinatorRef,
		MatchThreshold: params.MatchThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized matching engine [%w]", err)
	}

	if err := persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.MarkSystemInitialized(dbCtx)
		},
	); err != nil {
		return nil, fmt.Errorf("failed to mark system initialized [%w]", err)
	}

	return &MatchingEscrow{
		Escrow:      escrowStore,
		Matching:    matcher,
		Persistence: persistence,
	}, nil
}
