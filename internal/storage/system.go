package storage

import (
	"context"
	"fmt"
)

// SystemStore holds the log streams of jobs that are not bound to any
// plan, such as chat-action jobs in unbound sessions. It reuses the
// plan-file log schema with plan_id left NULL.
type SystemStore struct {
	logStore
	path string
}

// OpenSystemStore opens or creates the shared system-jobs database.
func OpenSystemStore(ctx context.Context, path string) (*SystemStore, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := execScript(ctx, db, logSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init system store %s: %w", path, err)
	}
	if err := ensureVersion(ctx, db, systemSchemaVersion, "system store"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate system store %s: %w", path, err)
	}
	return &SystemStore{logStore: logStore{db: db}, path: path}, nil
}

func (s *SystemStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
