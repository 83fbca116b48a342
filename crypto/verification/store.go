// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"sync"

	"go.mau.fi/mauverify/id"
)

// Store persists in-flight verification transactions so that they survive a
// restart. Implementations do not need to do any locking, the helper
// serializes all calls.
type Store interface {
	// SaveTransaction saves a transaction by its ID.
	SaveTransaction(ctx context.Context, txn *Transaction) error
	// GetTransaction gets a transaction by its ID.
	GetTransaction(ctx context.Context, txnID id.VerificationTransactionID) (*Transaction, error)
	// DeleteTransaction deletes a transaction by its ID.
	DeleteTransaction(ctx context.Context, txnID id.VerificationTransactionID) error
	// GetAllTransactions returns all stored transactions. Used on startup to
	// restore the cancellation timers.
	GetAllTransactions(ctx context.Context) ([]*Transaction, error)
}

// InMemoryStore is a Store that forgets everything on restart.
type InMemoryStore struct {
	lock sync.Mutex
	txns map[id.VerificationTransactionID]*Transaction
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		txns: map[id.VerificationTransactionID]*Transaction{},
	}
}

func (i *InMemoryStore) SaveTransaction(_ context.Context, txn *Transaction) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.txns[txn.TransactionID] = txn
	return nil
}

func (i *InMemoryStore) GetTransaction(_ context.Context, txnID id.VerificationTransactionID) (*Transaction, error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	txn, ok := i.txns[txnID]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	return txn, nil
}

func (i *InMemoryStore) DeleteTransaction(_ context.Context, txnID id.VerificationTransactionID) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	delete(i.txns, txnID)
	return nil
}

func (i *InMemoryStore) GetAllTransactions(_ context.Context) (txns []*Transaction, err error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	for _, txn := range i.txns {
		txns = append(txns, txn)
	}
	return
}
