package mailbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Transport.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]Document
	subs   map[uint64]*memorySub
	nextID uint64
	closed bool

	now func() time.Time
}

type memorySub struct {
	q Query
	d *dispatcher
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]Document),
		subs: make(map[uint64]*memorySub),
		now:  time.Now,
	}
}

func (m *Memory) Write(ctx context.Context, path string, v any, merge bool) (Document, error) {
	if err := ValidateDocument(path); err != nil {
		return Document{}, err
	}
	data, err := encodeObject(v)
	if err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}

	prev, exists := m.docs[path]
	if merge && exists {
		data, err = mergeJSON(prev.Data, data)
		if err != nil {
			return Document{}, err
		}
	}
	doc := Document{
		Path:      path,
		Data:      data,
		Version:   prev.Version + 1,
		UpdatedAt: m.now().UTC(),
	}
	m.docs[path] = doc

	kind := ChangeAdded
	if exists {
		kind = ChangeModified
	}
	m.publishLocked(Change{Kind: kind, Doc: doc})
	return doc, nil
}

func (m *Memory) Read(ctx context.Context, path string) (Document, error) {
	if err := ValidateDocument(path); err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ValidateDocument(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil
	}
	delete(m.docs, path)
	m.publishLocked(Change{Kind: ChangeRemoved, Doc: doc})
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, q Query, fn func(Change)) (func(), error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	d := newDispatcher(fn)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		d.close()
		return nil, ErrClosed
	}
	var snapshot []Document
	for _, doc := range m.docs {
		if q.Matches(doc) {
			snapshot = append(snapshot, doc)
		}
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Path < snapshot[j].Path })
	for _, doc := range snapshot {
		d.push(Change{Kind: ChangeAdded, Doc: doc})
	}
	m.nextID++
	id := m.nextID
	m.subs[id] = &memorySub{q: q, d: d}
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			d.close()
		})
	}

	if err := d.flush(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// Close stops every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, sub := range m.subs {
		sub.d.close()
		delete(m.subs, id)
	}
	return nil
}

func (m *Memory) publishLocked(c Change) {
	for _, sub := range m.subs {
		if sub.q.Matches(c.Doc) {
			sub.d.push(c)
		}
	}
}
