package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

type Storer[T ValidatingSpec] interface {
	Get(string) T
	GetAll() map[string]T
}

// FileStore loads every json document under a directory once. Class tables are
// immutable after startup so the store is read-only.
type FileStore[T ValidatingSpec] struct {
	path    string
	records map[string]T

	mu sync.RWMutex
}

func NewFileStore[T ValidatingSpec](path string) (*FileStore[T], error) {
	s := &FileStore[T]{
		path:    path,
		records: map[string]T{},
	}

	err := s.load()
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *FileStore[T]) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := filepath.Walk(s.path, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		doc, err := s.loadDocument(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", filepath.Base(path), err)
		}

		err = doc.Validate()
		if err != nil {
			return fmt.Errorf("validating %s: %w", filepath.Base(path), err)
		}

		if _, ok := s.records[doc.Id()]; ok {
			return fmt.Errorf("duplicate key detected: %s", doc.Id())
		}

		s.records[doc.Id()] = doc.Spec
		return nil
	})

	if err != nil {
		return err
	}

	return nil
}

func (s *FileStore[T]) Get(id string) T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.records[id]
}

func (s *FileStore[T]) GetAll() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vals := make(map[string]T, len(s.records))
	for id, v := range s.records {
		vals[id] = v
	}

	return vals
}

func (s *FileStore[T]) loadDocument(path string) (*Document[T], error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}

	// Ignoring close error - file is read-only, error is not actionable
	defer func() { _ = file.Close() }()

	jsonData, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	doc := &Document[T]{}
	err = json.Unmarshal(jsonData, doc)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling document: %w", err)
	}

	return doc, nil
}

// MapStore is a Storer over an in-memory map, used for classes compiled into
// the binary.
type MapStore[T ValidatingSpec] map[string]T

func (m MapStore[T]) Get(id string) T {
	return m[id]
}

func (m MapStore[T]) GetAll() map[string]T {
	vals := make(map[string]T, len(m))
	for id, v := range m {
		vals[id] = v
	}
	return vals
}
