package gcap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// =====================================
// Transaction Manager
// =====================================

// TxState is the lifecycle state of a Transaction
type TxState string

const (
	TxOpen       TxState = "open"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled-back"
)

// TransactionManager opens one transaction per request on the adapter
type TransactionManager struct {
	adapter Adapter
	log     *slog.Logger
}

// NewTransactionManager creates a manager over adapter
func NewTransactionManager(adapter Adapter, logger *slog.Logger) *TransactionManager {
	if logger == nil {
		logger = discardLogger()
	}
	return &TransactionManager{adapter: adapter, log: logger}
}

// Open begins a transaction bound to requestID
func (m *TransactionManager) Open(ctx context.Context, requestID string) (*Transaction, error) {
	tx, err := m.adapter.Begin(ctx)
	if err != nil {
		var typed Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, NewErrorWithCause(ErrorTypeConnection, "failed to begin transaction", err)
	}
	return &Transaction{
		RequestID: requestID,
		tx:        tx,
		state:     TxOpen,
		log:       m.log.With("request_id", requestID),
	}, nil
}

// Transaction wraps an adapter Tx and enforces that it ends exactly once.
// Data access after the end fails with ErrorTypeTransactionClosed.
type Transaction struct {
	RequestID string

	mu      sync.Mutex
	tx      Tx
	state   TxState
	pending int
	log     *slog.Logger
}

// State returns the lifecycle state
func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns the number of write operations issued so far
func (t *Transaction) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Transaction) open(write bool) (Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxOpen {
		return nil, Errorf(ErrorTypeTransactionClosed, "transaction of request %s is %s", t.RequestID, t.state)
	}
	if write {
		t.pending++
	}
	return t.tx, nil
}

// Insert stores rec and returns it as stored
func (t *Transaction) Insert(ctx context.Context, entity *EntityDef, rec Record) (Record, error) {
	tx, err := t.open(true)
	if err != nil {
		return nil, err
	}
	return tx.Insert(ctx, entity, rec)
}

// Read returns the records matching q
func (t *Transaction) Read(ctx context.Context, entity *EntityDef, q Query) ([]Record, error) {
	tx, err := t.open(false)
	if err != nil {
		return nil, err
	}
	return tx.Read(ctx, entity, q)
}

// Update applies patch to the record with key
func (t *Transaction) Update(ctx context.Context, entity *EntityDef, key Key, patch Record) error {
	tx, err := t.open(true)
	if err != nil {
		return err
	}
	return tx.Update(ctx, entity, key, patch)
}

// Delete removes the record with key
func (t *Transaction) Delete(ctx context.Context, entity *EntityDef, key Key) error {
	tx, err := t.open(true)
	if err != nil {
		return err
	}
	return tx.Delete(ctx, entity, key)
}

// end moves the transaction into a terminal state and hands back the Tx,
// failing if it has already ended.
func (t *Transaction) end(to TxState) (Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxOpen {
		return nil, Errorf(ErrorTypeTransactionClosed, "transaction of request %s is already %s", t.RequestID, t.state)
	}
	t.state = to
	return t.tx, nil
}

// Commit makes the changes durable. The transaction is terminal afterwards
// whether or not the commit succeeds.
func (t *Transaction) Commit(ctx context.Context) error {
	tx, err := t.end(TxCommitted)
	if err != nil {
		return err
	}
	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		t.mu.Lock()
		t.state = TxRolledBack
		t.mu.Unlock()
		t.log.Error("Commit failed.", "error", err)
		if IsErrorType(err, ErrorTypeCommitFailed) {
			return err
		}
		return NewErrorWithCause(ErrorTypeCommitFailed, "commit failed", err)
	}
	t.log.Debug("Transaction committed.", "pending", t.Pending())
	return nil
}

// Rollback discards the changes. Adapter failures are logged, not returned;
// only a rollback of an already ended transaction is an error.
func (t *Transaction) Rollback(ctx context.Context) error {
	tx, err := t.end(TxRolledBack)
	if err != nil {
		return err
	}
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		t.log.Warn("Rollback reported an error.", "error", err)
	}
	t.log.Debug("Transaction rolled back.", "pending", t.Pending())
	return nil
}
