package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"blocklog/logging"
)

// JSON emits newline-delimited records. Markup in record data is written
// without HTML escaping.
type JSON struct {
	mu        sync.Mutex
	writer    *bufio.Writer
	encoder   *json.Encoder
	autoFlush bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewJSON constructs a JSON sink writing to w. A non-positive flush interval
// flushes after every record.
func NewJSON(w io.Writer, flushInterval time.Duration) *JSON {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	sink := &JSON{
		writer:    buf,
		encoder:   encoder,
		autoFlush: flushInterval <= 0,
		done:      make(chan struct{}),
	}
	if flushInterval > 0 {
		go sink.periodicFlush(flushInterval)
	}
	return sink
}

func (s *JSON) Write(record logging.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.encoder.Encode(record); err != nil {
		return err
	}
	if s.autoFlush {
		return s.writer.Flush()
	}
	return nil
}

// Close stops the flush loop and flushes buffered output.
func (s *JSON) Close(context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Flush()
}

func (s *JSON) periodicFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = s.writer.Flush()
			s.mu.Unlock()
		}
	}
}
