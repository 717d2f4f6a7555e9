package database

import (
	"context"
	"database/sql"

	"gorm.io/gorm"
)

// Tx represents an ongoing database transaction.
type Tx interface {
	// GormTx returns the transactional GORM handle for issuing statements
	// inside this transaction.
	GormTx() *gorm.DB
}

// TransactionManager manages the lifecycle of database transactions.
// Batch writes begin one transaction per row batch so that a failed batch
// rolls back alone and the admission call continues with the next one.
type TransactionManager interface {
	// Begin starts a new transaction bound to ctx. Cancelling ctx aborts
	// the transaction server-side.
	Begin(ctx context.Context, opts ...*sql.TxOptions) (Tx, error)
	// Commit commits the transaction.
	Commit(tx Tx) error
	// Rollback rolls the transaction back.
	Rollback(tx Tx) error
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) GormTx() *gorm.DB { return t.db }

// GormTransactionManager implements TransactionManager over a Connection.
type GormTransactionManager struct {
	conn *Connection
}

// NewGormTransactionManager creates a TransactionManager for the connection.
func NewGormTransactionManager(conn *Connection) TransactionManager {
	return &GormTransactionManager{conn: conn}
}

// Begin implements TransactionManager.
func (m *GormTransactionManager) Begin(ctx context.Context, opts ...*sql.TxOptions) (Tx, error) {
	db := m.conn.GormDB().WithContext(ctx)
	var txDB *gorm.DB
	if len(opts) > 0 {
		txDB = db.Begin(opts[0])
	} else {
		txDB = db.Begin()
	}
	if txDB.Error != nil {
		return nil, txDB.Error
	}
	return &gormTx{db: txDB}, nil
}

// Commit implements TransactionManager.
func (m *GormTransactionManager) Commit(tx Tx) error {
	return tx.GormTx().Commit().Error
}

// Rollback implements TransactionManager.
func (m *GormTransactionManager) Rollback(tx Tx) error {
	return tx.GormTx().Rollback().Error
}
