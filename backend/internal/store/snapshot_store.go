package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"studioSync/backend/internal/block"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveDocumentSnapshot 把 {文档, 版本, 块列表 JSON} 存一行。
// (document_id, version) 唯一；重复版本（1062）静默跳过，
// 自动存档循环反复巡检同一版本不算错。
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, blocks []block.Block) error {
	payload, err := json.Marshal(blocks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, version, blocks)
		VALUES (?, ?, ?)`,
		docID,
		version,
		payload,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LoadLatestSnapshot 取文档最近一次存档，重启后恢复基线用；
// 没有存档返回 (nil, 0, nil)
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context, docID string) ([]block.Block, uint64, error) {
	var (
		payload []byte
		version uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT blocks, version FROM document_snapshots
		WHERE document_id = ? ORDER BY version DESC LIMIT 1`,
		docID,
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var blocks []block.Block
	if err := json.Unmarshal(payload, &blocks); err != nil {
		return nil, 0, err
	}
	return blocks, version, nil
}
