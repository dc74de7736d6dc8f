package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/digkill/sessiontimer/internal/repository"
)

// SQLStore keeps documents in a relational table. Change notifications are
// delivered in-process, so watchers only see writes made through this store.
type SQLStore struct {
	repo *repository.DocumentRepository
	hub  *Hub
}

func NewSQLStore(repo *repository.DocumentRepository) *SQLStore {
	return &SQLStore{repo: repo, hub: NewHub()}
}

func (s *SQLStore) Get(ctx context.Context, path string) (Snapshot, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	doc, err := s.repo.Find(ctx, collection, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s: %w", path, err)
	}
	if doc == nil {
		return Snapshot{Path: path}, nil
	}
	return snapshotFromDocument(path, doc), nil
}

func (s *SQLStore) Set(ctx context.Context, path string, v any) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	doc, err := s.repo.Put(ctx, collection, id, data)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	s.hub.Publish(snapshotFromDocument(path, doc))
	return nil
}

func (s *SQLStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	doc, err := s.repo.Modify(ctx, collection, id, func(current []byte) ([]byte, error) {
		return mergeFields(current, fields)
	})
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	s.hub.Publish(snapshotFromDocument(path, doc))
	return nil
}

func (s *SQLStore) Watch(ctx context.Context, path string) (<-chan Snapshot, error) {
	if _, _, err := SplitPath(path); err != nil {
		return nil, err
	}
	return watchWithHub(ctx, s.hub, path, func() (Snapshot, error) {
		return s.Get(ctx, path)
	})
}

func snapshotFromDocument(path string, doc *repository.Document) Snapshot {
	return Snapshot{
		Path:      path,
		Data:      json.RawMessage(doc.Data),
		Exists:    true,
		Revision:  doc.Revision,
		UpdatedAt: doc.UpdatedAt,
	}
}
