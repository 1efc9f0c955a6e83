package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/samber/mo"
)

// Store はプロセス内メモリにプロトコル・ページ・チャンク・イベントを保持するリポジトリ
// 単一プロセスでの開発・テスト用
type Store struct {
	dimension int
	now       func() time.Time

	mu        sync.RWMutex
	protocols map[uuid.UUID]*protocol.Protocol
	pages     map[uuid.UUID][]*protocol.Page
	chunks    map[uuid.UUID][]*protocol.Chunk // 有効な実行のチャンク
	events    map[uuid.UUID][]*protocol.ProgressEvent
}

// NewStore は新しい Store を作成する
func NewStore(dimension int) *Store {
	return &Store{
		dimension: dimension,
		now:       time.Now,
		protocols: make(map[uuid.UUID]*protocol.Protocol),
		pages:     make(map[uuid.UUID][]*protocol.Page),
		chunks:    make(map[uuid.UUID][]*protocol.Chunk),
		events:    make(map[uuid.UUID][]*protocol.ProgressEvent),
	}
}

// EmbeddingDimension は保存するベクトルの次元数を返す
func (s *Store) EmbeddingDimension() int {
	return s.dimension
}

func cloneProtocol(p *protocol.Protocol) *protocol.Protocol {
	c := *p
	if p.ActiveRunID != nil {
		id := *p.ActiveRunID
		c.ActiveRunID = &id
	}
	if p.CurrentRunID != nil {
		id := *p.CurrentRunID
		c.CurrentRunID = &id
	}
	return &c
}

// === Protocol ===

func (s *Store) CreateProtocol(ctx context.Context, p *protocol.Protocol, pages []*protocol.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.protocols[p.ID]; ok {
		return fmt.Errorf("protocol already exists: %s", p.ID)
	}
	s.protocols[p.ID] = cloneProtocol(p)

	stored := make([]*protocol.Page, 0, len(pages))
	for _, pg := range pages {
		c := *pg
		c.ProtocolID = p.ID
		stored = append(stored, &c)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Number < stored[j].Number })
	s.pages[p.ID] = stored
	return nil
}

func (s *Store) GetProtocol(ctx context.Context, id uuid.UUID) (mo.Option[*protocol.Protocol], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.protocols[id]
	if !ok {
		return mo.None[*protocol.Protocol](), nil
	}
	return mo.Some(cloneProtocol(p)), nil
}

func (s *Store) ListProtocols(ctx context.Context, ownerID uuid.UUID) ([]*protocol.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*protocol.Protocol, 0)
	for _, p := range s.protocols {
		if p.OwnerID == ownerID {
			out = append(out, cloneProtocol(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) UpdateMetadata(ctx context.Context, id uuid.UUID, update protocol.MetadataUpdate) (*protocol.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.protocols[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, id)
	}
	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.Category != nil {
		p.Category = *update.Category
	}
	if update.Description != nil {
		p.Description = *update.Description
	}
	p.UpdatedAt = s.now().UTC()
	return cloneProtocol(p), nil
}

func (s *Store) DeleteProtocol(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.protocols[id]; !ok {
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, id)
	}
	delete(s.protocols, id)
	delete(s.pages, id)
	delete(s.chunks, id)
	delete(s.events, id)
	return nil
}

// === Page ===

func (s *Store) ListPages(ctx context.Context, protocolID uuid.UUID) ([]*protocol.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pages := s.pages[protocolID]
	out := make([]*protocol.Page, 0, len(pages))
	for _, pg := range pages {
		c := *pg
		out = append(out, &c)
	}
	return out, nil
}

// === Chunk ===

func (s *Store) ListChunks(ctx context.Context, protocolID uuid.UUID) ([]*protocol.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := s.chunks[protocolID]
	out := make([]*protocol.Chunk, 0, len(chunks))
	for _, c := range chunks {
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// === Event ===

func (s *Store) AppendEvent(ctx context.Context, event *protocol.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEventLocked(event)
}

func (s *Store) appendEventLocked(event *protocol.ProgressEvent) error {
	if _, ok := s.protocols[event.ProtocolID]; !ok {
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, event.ProtocolID)
	}
	events := s.events[event.ProtocolID]
	if n := len(events); n > 0 && !event.CreatedAt.After(events[n-1].CreatedAt) {
		return fmt.Errorf("event timestamp must be strictly increasing: %s <= %s",
			event.CreatedAt.Format(time.RFC3339Nano), events[n-1].CreatedAt.Format(time.RFC3339Nano))
	}
	c := *event
	s.events[event.ProtocolID] = append(events, &c)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, protocolID, runID uuid.UUID, limit int) ([]*protocol.ProgressEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*protocol.ProgressEvent
	for _, e := range s.events[protocolID] {
		if e.RunID == runID {
			c := *e
			out = append(out, &c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []*protocol.ProgressEvent{}
	}
	return out, nil
}

func (s *Store) LastEventTime(ctx context.Context, protocolID uuid.UUID) (mo.Option[time.Time], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[protocolID]
	if len(events) == 0 {
		return mo.None[time.Time](), nil
	}
	return mo.Some(events[len(events)-1].CreatedAt), nil
}
