package ddp

import (
	"sort"
)

// ChangeKind is the kind of mutation a diff message applied to a document.
type ChangeKind int

const (
	Added ChangeKind = iota
	Changed
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// ChangeHandler observes document mutations.
type ChangeHandler func(collection, id string, kind ChangeKind)

// Document is a mirrored document: field name to JSON value.
type Document map[string]any

// Entry pairs a document with its id.
type Entry struct {
	ID       string
	Document Document
}

// Store is the local mirror of the peer's collections. It is mutated only by
// the Apply methods and is not safe for concurrent use; a Client serializes
// access to it.
//
// Every Apply method is total: referencing a collection or document that is
// not known is a legal no-op, since diffs can race with removals.
type Store struct {
	collections map[string]map[string]Document
	observers   []ChangeHandler
}

func NewStore() *Store {
	return &Store{collections: make(map[string]map[string]Document)}
}

// OnChange registers an observer called after every mutation.
func (s *Store) OnChange(handler ChangeHandler) {
	s.observers = append(s.observers, handler)
}

func (s *Store) notify(collection, id string, kind ChangeKind) {
	for _, observer := range s.observers {
		observer(collection, id, kind)
	}
}

// ApplyAdded creates the document if needed and merges fields into it.
// Values replace existing ones as a whole; nested values are not merged.
func (s *Store) ApplyAdded(collection, id string, fields map[string]any) bool {
	docs, exists := s.collections[collection]
	if !exists {
		docs = make(map[string]Document)
		s.collections[collection] = docs
	}
	doc, exists := docs[id]
	if !exists {
		doc = make(Document, len(fields))
		docs[id] = doc
	}
	for key, value := range fields {
		doc[key] = value
	}
	s.notify(collection, id, Added)
	return true
}

// ApplyChanged merges fields into an existing document and then deletes the
// cleared fields, so a name in both ends up cleared. Unknown documents are
// left alone.
func (s *Store) ApplyChanged(collection, id string, fields map[string]any, cleared []string) bool {
	doc, exists := s.collections[collection][id]
	if !exists {
		return false
	}
	for key, value := range fields {
		doc[key] = value
	}
	for _, key := range cleared {
		delete(doc, key)
	}
	s.notify(collection, id, Changed)
	return true
}

// ApplyRemoved deletes a document. The collection stays, possibly empty.
func (s *Store) ApplyRemoved(collection, id string) bool {
	docs := s.collections[collection]
	if _, exists := docs[id]; !exists {
		return false
	}
	delete(docs, id)
	s.notify(collection, id, Removed)
	return true
}

// Get returns a copy of a document.
func (s *Store) Get(collection, id string) (Document, bool) {
	doc, exists := s.collections[collection][id]
	if !exists {
		return nil, false
	}
	return doc.Clone(), true
}

// List returns a copy of every document in a collection, ordered by id.
func (s *Store) List(collection string) []Entry {
	docs := s.collections[collection]
	out := make([]Entry, 0, len(docs))
	for id, doc := range docs {
		out = append(out, Entry{ID: id, Document: doc.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of documents in a collection.
func (s *Store) Len(collection string) int {
	return len(s.collections[collection])
}

// Collections returns the names of every collection seen so far, sorted.
func (s *Store) Collections() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for key, value := range d {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	}
	return value
}
