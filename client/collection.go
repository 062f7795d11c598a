package client

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"backsync/message"
)

// ChangeKind says how a Collection changed.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeChange ChangeKind = "change"
	ChangeRemove ChangeKind = "remove"
	ChangeReset  ChangeKind = "reset" // whole contents replaced by a fetch
)

// Change is delivered to watchers after the collection was updated. Record is a copy;
// it is nil for resets.
type Change struct {
	Kind   ChangeKind
	Record Record
}

// Collection is a local replica of the records behind one base path. Besides its own
// fetches and saves it applies every "<base>:upsert" and "<base>:delete" push event,
// so changes made by other clients show up without polling.
type Collection struct {
	resource *Resource
	idAttr   string
	logger   *zap.Logger

	mu       sync.Mutex
	records  []Record
	watchers map[int]func(Change)
	nextW    int
	unsubs   []func()
}

type CollectionOption func(*Collection)

// WithIDAttribute names the field that identifies a record (default "id").
func WithIDAttribute(attr string) CollectionOption {
	return func(c *Collection) { c.idAttr = attr }
}

func WithCollectionLogger(logger *zap.Logger) CollectionOption {
	return func(c *Collection) { c.logger = logger }
}

// NewCollection creates an empty collection for base and subscribes it to push events.
func NewCollection(req Requester, base string, opts ...CollectionOption) *Collection {
	c := &Collection{
		resource: NewResource(req, base),
		idAttr:   "id",
		logger:   zap.NewNop(),
		watchers: make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.unsubs = []func(){
		req.On(message.Channel(base, message.VerbUpsert), func(data json.RawMessage) {
			if err := c.ServerUpsert(data); err != nil {
				c.logger.Warn("ignoring upsert push", zap.String("base", base), zap.Error(err))
			}
		}),
		req.On(message.Channel(base, message.VerbDelete), func(data json.RawMessage) {
			if err := c.ServerDelete(data); err != nil {
				c.logger.Warn("ignoring delete push", zap.String("base", base), zap.Error(err))
			}
		}),
	}
	return c
}

// Base returns the resource base path.
func (c *Collection) Base() string {
	return c.resource.Base
}

// ServerUpsert applies an upsert: the record with the same id gets the new fields merged
// in, or the record is appended if no such record exists.
func (c *Collection) ServerUpsert(data json.RawMessage) error {
	rec, err := DecodeRecord(data)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	c.upsert(rec)
	return nil
}

// ServerDelete removes the record with the same id. Unknown ids are ignored.
func (c *Collection) ServerDelete(data json.RawMessage) error {
	rec, err := DecodeRecord(data)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	c.remove(rec)
	return nil
}

func (c *Collection) upsert(rec Record) {
	c.mu.Lock()
	var change Change
	if i := c.indexLocked(rec); i >= 0 {
		if !c.records[i].merge(rec) {
			c.mu.Unlock()
			return
		}
		change = Change{Kind: ChangeChange, Record: c.records[i].Clone()}
	} else {
		c.records = append(c.records, rec.Clone())
		change = Change{Kind: ChangeAdd, Record: rec.Clone()}
	}
	watchers := c.watchersLocked()
	c.mu.Unlock()

	notify(watchers, change)
}

func (c *Collection) remove(rec Record) {
	c.mu.Lock()
	i := c.indexLocked(rec)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	removed := c.records[i]
	c.records = append(c.records[:i:i], c.records[i+1:]...)
	watchers := c.watchersLocked()
	c.mu.Unlock()

	notify(watchers, Change{Kind: ChangeRemove, Record: removed})
}

func (c *Collection) reset(records []Record) {
	c.mu.Lock()
	c.records = make([]Record, 0, len(records))
	for _, r := range records {
		if r != nil {
			c.records = append(c.records, r)
		}
	}
	watchers := c.watchersLocked()
	c.mu.Unlock()

	notify(watchers, Change{Kind: ChangeReset})
}

// indexLocked finds the record with rec's id; a record without an id matches nothing.
func (c *Collection) indexLocked(rec Record) int {
	id, ok := rec.ID(c.idAttr)
	if !ok {
		return -1
	}
	for i, r := range c.records {
		if rid, ok := r.ID(c.idAttr); ok && rid == id {
			return i
		}
	}
	return -1
}

// Fetch reads the resource and replaces the contents with the reply's "collection"
// list. onDone (may be nil) receives the outcome.
func (c *Collection) Fetch(onDone func(error)) error {
	done := func(err error) {
		if onDone != nil {
			onDone(err)
		}
	}
	_, err := c.resource.Read(
		func(data json.RawMessage) {
			records, err := decodeCollection(data)
			if err != nil {
				done(fmt.Errorf("decode %s reply: %w", c.Base(), err))
				return
			}
			c.reset(records)
			done(nil)
		},
		done,
	)
	return err
}

// Save creates rec on the server if it has no id yet, otherwise updates it. The reply
// (the stored record) is merged into the collection.
func (c *Collection) Save(rec Record, onDone func(Record, error)) error {
	done := func(r Record, err error) {
		if onDone != nil {
			onDone(r, err)
		}
	}
	onSuccess := func(data json.RawMessage) {
		stored, err := DecodeRecord(data)
		if err != nil {
			// Some handlers reply with nothing useful; keep what was sent
			stored = rec.Clone()
		}
		c.upsert(stored)
		done(stored, nil)
	}
	onError := func(err error) { done(nil, err) }

	if _, ok := rec.ID(c.idAttr); ok {
		_, err := c.resource.Update(rec, onSuccess, onError)
		return err
	}
	_, err := c.resource.Create(rec, onSuccess, onError)
	return err
}

// Destroy deletes rec on the server and, once confirmed, locally.
func (c *Collection) Destroy(rec Record, onDone func(error)) error {
	_, err := c.resource.Delete(rec,
		func(json.RawMessage) {
			c.remove(rec)
			if onDone != nil {
				onDone(nil)
			}
		},
		func(err error) {
			if onDone != nil {
				onDone(err)
			}
		},
	)
	return err
}

// Get returns a copy of the record with the given id.
func (c *Collection) Get(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(Record{c.idAttr: id})
	if i < 0 {
		return nil, false
	}
	return c.records[i].Clone(), true
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Records returns copies of all records in insertion order.
func (c *Collection) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	for i, r := range c.records {
		out[i] = r.Clone()
	}
	return out
}

// Watch registers fn for every change and returns a func that removes it.
// fn runs on the goroutine that applied the change, without the collection lock held.
func (c *Collection) Watch(fn func(Change)) (stop func()) {
	c.mu.Lock()
	id := c.nextW
	c.nextW++
	c.watchers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Close stops applying push events.
func (c *Collection) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
}

func (c *Collection) watchersLocked() []func(Change) {
	if len(c.watchers) == 0 {
		return nil
	}
	ids := make([]int, 0, len(c.watchers))
	for id := range c.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = c.watchers[id]
	}
	return out
}

func notify(watchers []func(Change), change Change) {
	for _, fn := range watchers {
		fn(change)
	}
}
