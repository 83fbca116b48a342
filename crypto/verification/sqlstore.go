// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"

	"go.mau.fi/mauverify/id"
)

//go:embed *.sql
var rawUpgrades embed.FS

var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.RegisterFS(rawUpgrades)
}

const versionTableName = "verification_version"

// SQLStore is a Store backed by a SQL database. Transactions are stored as
// JSON blobs keyed by transaction ID, since nothing ever queries inside
// them.
type SQLStore struct {
	*dbutil.Database
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger) *SQLStore {
	return &SQLStore{
		Database: db.Child(versionTableName, UpgradeTable, log),
	}
}

const (
	upsertTransactionQuery = `
		INSERT INTO verification_transaction (transaction_id, data) VALUES ($1, $2)
		ON CONFLICT (transaction_id) DO UPDATE SET data=excluded.data
	`
	getTransactionQuery     = `SELECT data FROM verification_transaction WHERE transaction_id=$1`
	deleteTransactionQuery  = `DELETE FROM verification_transaction WHERE transaction_id=$1`
	getAllTransactionsQuery = `SELECT data FROM verification_transaction`
)

func (s *SQLStore) SaveTransaction(ctx context.Context, txn *Transaction) error {
	data, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	_, err = s.Exec(ctx, upsertTransactionQuery, txn.TransactionID.String(), data)
	return err
}

func scanTransaction(rows dbutil.Scannable) (*Transaction, error) {
	var data []byte
	if err := rows.Scan(&data); err != nil {
		return nil, err
	}
	txn := newTransaction("")
	if err := json.Unmarshal(data, txn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return txn, nil
}

func (s *SQLStore) GetTransaction(ctx context.Context, txnID id.VerificationTransactionID) (*Transaction, error) {
	txn, err := scanTransaction(s.QueryRow(ctx, getTransactionQuery, txnID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownTransaction
	}
	return txn, err
}

func (s *SQLStore) DeleteTransaction(ctx context.Context, txnID id.VerificationTransactionID) error {
	_, err := s.Exec(ctx, deleteTransactionQuery, txnID.String())
	return err
}

func (s *SQLStore) GetAllTransactions(ctx context.Context) ([]*Transaction, error) {
	rows, err := s.Query(ctx, getAllTransactionsQuery)
	return dbutil.NewRowIterWithError(rows, scanTransaction, err).AsList()
}
