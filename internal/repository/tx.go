package repository

import (
	"context"

	"gorm.io/gorm"
)

// TxManager 在单个数据库事务中执行一组操作，各 repository 通过 WithTx 绑定到该事务
type TxManager struct {
	db *gorm.DB
}

func NewTxManager(db *gorm.DB) *TxManager {
	return &TxManager{db: db}
}

// Do fn 返回错误时整体回滚
func (m *TxManager) Do(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return m.db.WithContext(ctx).Transaction(fn)
}
