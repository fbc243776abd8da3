package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"ssechat/internal/model"
)

// Pebble persists the history in a PebbleDB directory. Keys are 8-byte
// big-endian ids, values are the JSON-encoded message.
type Pebble struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

// OpenPebble opens or creates the database at dir and resumes the id
// sequence from its last key.
func OpenPebble(dir string) (*Pebble, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	s := &Pebble{db: db, next: 1}

	it, err := db.NewIter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open pebble iterator: %w", err)
	}
	defer func() { _ = it.Close() }()
	if it.Last() && len(it.Key()) == 8 {
		s.next = binary.BigEndian.Uint64(it.Key()) + 1
	}
	return s, nil
}

func pebbleKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func (s *Pebble) Append(_ context.Context, content string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	msg := model.Message{
		ID:        formatID(id),
		Content:   content,
		CreatedAt: time.Now(),
	}
	val, err := json.Marshal(msg)
	if err != nil {
		return model.Message{}, fmt.Errorf("encode message: %w", err)
	}
	if err := s.db.Set(pebbleKey(id), val, pebble.Sync); err != nil {
		return model.Message{}, fmt.Errorf("write message: %w", err)
	}
	s.next++
	return msg, nil
}

func (s *Pebble) Since(ctx context.Context, lastID string, limit int) ([]model.Message, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, err
	}
	if after == math.MaxUint64 {
		return []model.Message{}, nil
	}
	return s.scan(ctx, after+1, limit)
}

func (s *Pebble) Recent(ctx context.Context, limit int) ([]model.Message, error) {
	return s.scan(ctx, 0, limit)
}

// scan walks backwards from the newest key down to from.
func (s *Pebble) scan(ctx context.Context, from uint64, limit int) ([]model.Message, error) {
	it, err := s.db.NewIterWithContext(ctx, &pebble.IterOptions{LowerBound: pebbleKey(from)})
	if err != nil {
		return nil, fmt.Errorf("open pebble iterator: %w", err)
	}
	defer func() { _ = it.Close() }()

	out := make([]model.Message, 0)
	for it.Last(); it.Valid(); it.Prev() {
		if limit > 0 && len(out) == limit {
			break
		}
		var msg model.Message
		if err := json.Unmarshal(it.Value(), &msg); err != nil {
			return nil, fmt.Errorf("decode message %x: %w", it.Key(), err)
		}
		out = append(out, msg)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	reverse(out)
	return out, nil
}

func (s *Pebble) Close() error {
	return s.db.Close()
}
