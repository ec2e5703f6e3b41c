package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// snapshotVersion меняется при несовместимом изменении формата.
const snapshotVersion = 1

type snapshot struct {
	Version int    `json:"version"`
	Items   []Line `json:"items"`
}

// EncodeSnapshot сериализует позиции корзины для хранения.
func EncodeSnapshot(lines []Line) ([]byte, error) {
	if lines == nil {
		lines = []Line{}
	}
	data, err := json.Marshal(snapshot{Version: snapshotVersion, Items: lines})
	if err != nil {
		return nil, fmt.Errorf("marshal cart snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot разбирает сохранённые позиции. Инварианты не проверяются,
// это делает Load при загрузке в Store.
func DecodeSnapshot(data []byte) ([]Line, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal cart snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported cart snapshot version %d", snap.Version)
	}
	return snap.Items, nil
}

// MemoryPersister хранит сериализованный снимок корзины в памяти процесса.
type MemoryPersister struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryPersister создаёт persister, опционально с готовым содержимым.
func NewMemoryPersister(raw []byte) *MemoryPersister {
	return &MemoryPersister{data: append([]byte(nil), raw...)}
}

func (p *MemoryPersister) Load(_ context.Context) ([]Line, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.data) == 0 {
		return nil, ErrNoSnapshot
	}
	return DecodeSnapshot(p.data)
}

func (p *MemoryPersister) Save(_ context.Context, lines []Line) error {
	data, err := EncodeSnapshot(lines)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.data = data
	p.mu.Unlock()
	return nil
}

// Raw возвращает сохранённые байты.
func (p *MemoryPersister) Raw() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.data...)
}

var _ Persister = (*MemoryPersister)(nil)

// SnapshotStore хранит снимки корзин на стороне сервера по владельцу.
// Get возвращает ErrNoSnapshot, если снимка нет.
type SnapshotStore interface {
	Get(ctx context.Context, ownerID string) ([]Line, error)
	Put(ctx context.Context, ownerID string, lines []Line) error
	Delete(ctx context.Context, ownerID string) error
}

// OwnerPersister привязывает SnapshotStore к одному владельцу и превращает его в Persister.
type OwnerPersister struct {
	store   SnapshotStore
	ownerID string
}

// NewOwnerPersister создаёт Persister для корзины ownerID.
func NewOwnerPersister(store SnapshotStore, ownerID string) *OwnerPersister {
	return &OwnerPersister{store: store, ownerID: ownerID}
}

func (p *OwnerPersister) Load(ctx context.Context) ([]Line, error) {
	return p.store.Get(ctx, p.ownerID)
}

func (p *OwnerPersister) Save(ctx context.Context, lines []Line) error {
	return p.store.Put(ctx, p.ownerID, lines)
}

// MemorySnapshotStore реализует SnapshotStore для драйвера memory и тестов.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{items: make(map[string][]byte)}
}

func (s *MemorySnapshotStore) Get(_ context.Context, ownerID string) ([]Line, error) {
	s.mu.RLock()
	data, ok := s.items[ownerID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoSnapshot
	}
	return DecodeSnapshot(data)
}

func (s *MemorySnapshotStore) Put(_ context.Context, ownerID string, lines []Line) error {
	data, err := EncodeSnapshot(lines)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[ownerID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemorySnapshotStore) Delete(_ context.Context, ownerID string) error {
	s.mu.Lock()
	delete(s.items, ownerID)
	s.mu.Unlock()
	return nil
}

var (
	_ Persister     = (*OwnerPersister)(nil)
	_ SnapshotStore = (*MemorySnapshotStore)(nil)
)
