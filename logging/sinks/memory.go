package sinks

import (
	"context"
	"sync"

	"blocklog/logging"
)

// Memory keeps every record it is given. Tests read it back to assert on
// what the mirror saw.
type Memory struct {
	mu      sync.Mutex
	records []logging.Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (s *Memory) Write(record logging.Record) error {
	s.mu.Lock()
	s.records = append(s.records, record.Clone())
	s.mu.Unlock()
	return nil
}

// Records returns a snapshot in write order.
func (s *Memory) Records() []logging.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logging.Record(nil), s.records...)
}

// Types lists the record types in write order.
func (s *Memory) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.records))
	for i, record := range s.records {
		types[i] = record.Type
	}
	return types
}

func (s *Memory) Close(context.Context) error { return nil }
