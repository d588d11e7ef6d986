// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// LogWriter writes query events as JSONL (one JSON object per line) to
// a transcript file. It is safe for concurrent use.
type LogWriter struct {
	file    *os.File
	encoder *json.Encoder
	mutex   sync.Mutex
	closed  bool

	// Aggregated summary counters, protected by mutex.
	eventCount    int64
	toolCallCount int64
	costUSD       float64
	turnCount     int64
}

// NewLogWriter creates (or truncates) a transcript file at path.
func NewLogWriter(path string) (*LogWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating transcript %q: %w", path, err)
	}
	encoder := json.NewEncoder(file)
	// No indentation — one compact JSON object per line.
	encoder.SetEscapeHTML(false)
	return &LogWriter{file: file, encoder: encoder}, nil
}

// Write appends one event to the transcript and updates summary
// counters. Each write is synced so events survive a process crash;
// transcripts are low-throughput, so the cost is acceptable.
func (writer *LogWriter) Write(event Event) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return fmt.Errorf("transcript already closed")
	}
	if err := writer.encoder.Encode(event); err != nil {
		return fmt.Errorf("encoding transcript event: %w", err)
	}
	if err := writer.file.Sync(); err != nil {
		return fmt.Errorf("syncing transcript: %w", err)
	}

	writer.eventCount++
	switch event.Type {
	case EventToolUse:
		writer.toolCallCount++
	case EventResult:
		if event.Result != nil {
			writer.costUSD += event.Result.CostUSD
			writer.turnCount += event.Result.TurnCount
		}
	}
	return nil
}

// Summary reports the aggregate counters recorded so far.
func (writer *LogWriter) Summary() (events, toolCalls, turns int64, costUSD float64) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return writer.eventCount, writer.toolCallCount, writer.turnCount, writer.costUSD
}

// Close flushes and closes the underlying file. Idempotent.
func (writer *LogWriter) Close() error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return nil
	}
	writer.closed = true
	return writer.file.Close()
}
