package registry

import (
	"slices"
	"sync/atomic"
)

// Store serves lookups against the current registry document. Reload builds a
// complete new document and swaps the pointer, so readers always see one
// self-consistent snapshot.
type Store struct {
	path string
	doc  atomic.Pointer[Document]
}

// Open loads the document at path and returns a Store serving it.
func Open(path string) (*Store, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.doc.Store(doc)
	return s, nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// Reload re-parses the file. On error the previously installed document stays.
func (s *Store) Reload() error {
	doc, err := Load(s.path)
	if err != nil {
		return err
	}
	s.doc.Store(doc)
	return nil
}

// Registry returns the current document. Callers must not mutate it.
func (s *Store) Registry() *Document {
	return s.doc.Load()
}

// ServiceByID returns the service with the given id.
func (s *Store) ServiceByID(id string) (ServiceDefinition, bool) {
	for _, svc := range s.doc.Load().Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return ServiceDefinition{}, false
}

// OptionalServices returns services in the optional category, in document order.
func (s *Store) OptionalServices() []ServiceDefinition {
	return s.byCategory(CategoryOptional)
}

// CoreServices returns services in the core category, in document order.
func (s *Store) CoreServices() []ServiceDefinition {
	return s.byCategory(CategoryCore)
}

func (s *Store) byCategory(category string) []ServiceDefinition {
	var out []ServiceDefinition
	for _, svc := range s.doc.Load().Services {
		if svc.Category == category {
			out = append(out, svc)
		}
	}
	return out
}

// Dependencies returns the stored dependsOn list, or an empty slice for an
// unknown id.
func (s *Store) Dependencies(id string) []string {
	svc, ok := s.ServiceByID(id)
	if !ok {
		return []string{}
	}
	return slices.Clone(svc.DependsOn)
}

// Dependents returns the ids of every service whose dependsOn names id.
// Single hop: a cycle in the graph cannot make this loop.
func (s *Store) Dependents(id string) []string {
	out := []string{}
	for _, svc := range s.doc.Load().Services {
		if slices.Contains(svc.DependsOn, id) {
			out = append(out, svc.ID)
		}
	}
	return out
}
