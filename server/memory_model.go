package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"backsync/client"
)

// MemoryModel keeps the records of one base path in memory and broadcasts every change.
// It backs the demo daemon and tests; a real deployment registers its own models.
type MemoryModel struct {
	base   string
	idAttr string
	server *Server

	mu      sync.RWMutex
	records []client.Record
}

// RegisterMemoryModel creates a MemoryModel for base, keyed by idAttr ("" means "id"),
// and registers it.
func (svr *Server) RegisterMemoryModel(base, idAttr string) (*MemoryModel, error) {
	if idAttr == "" {
		idAttr = "id"
	}
	m := &MemoryModel{base: base, idAttr: idAttr, server: svr}
	if err := svr.Register(base, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Read replies {"collection": [...]}.
func (m *MemoryModel) Read(ctx context.Context, data json.RawMessage) (any, error) {
	return map[string]any{"collection": m.Records()}, nil
}

// Upsert merges data into the stored record with the same id, or inserts it with a
// fresh id when it has none. The stored record is returned and broadcast.
func (m *MemoryModel) Upsert(ctx context.Context, data json.RawMessage) (any, error) {
	rec, err := client.DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if _, ok := rec.ID(m.idAttr); !ok {
		rec[m.idAttr] = ulid.Make().String()
	}

	stored := m.put(rec)
	if _, err := m.server.PostSave(m.base, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Delete removes the record with data's id and broadcasts the removed record.
func (m *MemoryModel) Delete(ctx context.Context, data json.RawMessage) (any, error) {
	rec, err := client.DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	id, ok := rec.ID(m.idAttr)
	if !ok {
		return nil, fmt.Errorf("record has no %s", m.idAttr)
	}

	removed := m.take(id)
	if removed == nil {
		return nil, fmt.Errorf("record %s not found", id)
	}
	if _, err := m.server.PostDelete(m.base, removed); err != nil {
		return nil, err
	}
	return removed, nil
}

// Seed stores records without broadcasting, e.g. at startup.
func (m *MemoryModel) Seed(records ...client.Record) {
	for _, r := range records {
		m.put(r.Clone())
	}
}

// Records returns copies of the stored records in insertion order.
func (m *MemoryModel) Records() []client.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]client.Record, len(m.records))
	for i, r := range m.records {
		out[i] = r.Clone()
	}
	return out
}

func (m *MemoryModel) put(rec client.Record) client.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.indexLocked(rec); i >= 0 {
		for k, v := range rec {
			m.records[i][k] = v
		}
		return m.records[i].Clone()
	}
	m.records = append(m.records, rec)
	return rec.Clone()
}

func (m *MemoryModel) take(id string) client.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexLocked(client.Record{m.idAttr: id})
	if i < 0 {
		return nil
	}
	removed := m.records[i]
	m.records = append(m.records[:i:i], m.records[i+1:]...)
	return removed
}

func (m *MemoryModel) indexLocked(rec client.Record) int {
	id, ok := rec.ID(m.idAttr)
	if !ok {
		return -1
	}
	for i, r := range m.records {
		if rid, ok := r.ID(m.idAttr); ok && rid == id {
			return i
		}
	}
	return -1
}
