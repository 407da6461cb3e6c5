package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/zonekit/zonecore/internal/core/domain"
)

const mysqlDupEntry = 1062

// MySQLStore persists one versioned row per record key and implements the
// compare-and-swap contract with conditional UPDATE/INSERT statements.
//
// Expected schema:
//
//	CREATE TABLE zone_inventory (
//	    record_key VARCHAR(255) PRIMARY KEY,
//	    quantity   BIGINT NOT NULL,
//	    version    BIGINT NOT NULL,
//	    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
//	);
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (m *MySQLStore) Get(ctx context.Context, key string) (int64, int64, error) {
	var quantity, version int64
	err := m.db.QueryRowContext(ctx, `
		SELECT quantity, version FROM zone_inventory WHERE record_key = ?`, key,
	).Scan(&quantity, &version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: query record: %v", domain.ErrStorageUnavailable, err)
	}

	return quantity, version, nil
}

func (m *MySQLStore) ConditionalPut(ctx context.Context, key string, quantity int64, expectedVersion int64) (bool, error) {
	if expectedVersion == 0 {
		// First write: the row must not exist yet. A duplicate-key error
		// means another writer created version 1 first.
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO zone_inventory (record_key, quantity, version)
			VALUES (?, ?, 1)`,
			key, quantity,
		)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDupEntry {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: insert record: %v", domain.ErrStorageUnavailable, err)
		}
		return true, nil
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE zone_inventory
		SET quantity = ?, version = version + 1
		WHERE record_key = ? AND version = ?`,
		quantity, key, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("%w: update record: %v", domain.ErrStorageUnavailable, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", domain.ErrStorageUnavailable, err)
	}

	return rows > 0, nil
}
