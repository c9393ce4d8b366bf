// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package documents keeps rendered documents so they can be fetched by the
// location handed back to callers.
package documents

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

var ErrNotFound = errors.New("document not found")

type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists documents. Put is idempotent for identical content.
type Store interface {
	Put(ctx context.Context, doc Document) (Document, error)
	Get(ctx context.Context, id string) (Document, error)
}

// ContentID is the hex BLAKE3 digest of data. Identical documents share an
// id, so re-rendering the same text does not grow the store.
func ContentID(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is a Store that lives only as long as the process.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document), now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, doc Document) (Document, error) {
	doc.ID = ContentID(doc.Data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.docs[doc.ID]; ok {
		return existing, nil
	}
	doc.Data = append([]byte(nil), doc.Data...)
	doc.CreatedAt = m.now()
	m.docs[doc.ID] = doc
	return doc, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Data = append([]byte(nil), doc.Data...)
	return doc, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
