package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"registryScope/internal/model"
)

// JsonlSink appends records to a JSONL file and keeps its checkpoint in a
// separate JSON file. Keys already present in the file are not written again.
type JsonlSink struct {
	path       string
	checkpoint *CheckpointStore
	logger     *zap.Logger

	mu   sync.Mutex
	seen map[model.EventKey]struct{}
}

// NewJsonlSink opens or creates the record file and indexes its keys. A torn
// last line left by a crash is cut off.
func NewJsonlSink(path, checkpointPath string, logger *zap.Logger) (*JsonlSink, error) {
	if path == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if checkpointPath == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &JsonlSink{
		path:       path,
		checkpoint: NewCheckpointStore(checkpointPath),
		logger:     logger,
		seen:       make(map[model.EventKey]struct{}),
	}
	if err := s.loadKeys(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JsonlSink) loadKeys() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read output file: %w", err)
		}
		complete := err == nil

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			record, parseErr := model.UnmarshalRecord(trimmed)
			switch {
			case parseErr != nil && complete:
				return fmt.Errorf("parse output line at offset %d: %w", offset, parseErr)
			case parseErr != nil:
				return s.truncateTornLine(offset, parseErr)
			case !complete:
				// The record made it but its newline did not.
				if err := s.terminateLastLine(); err != nil {
					return err
				}
			}
			s.seen[record.Key()] = struct{}{}
		}
		offset += int64(len(line))

		if !complete {
			return nil
		}
	}
}

func (s *JsonlSink) truncateTornLine(offset int64, cause error) error {
	if err := os.Truncate(s.path, offset); err != nil {
		return fmt.Errorf("truncate torn line: %w", err)
	}
	s.logger.Warn("truncated torn jsonl line", zap.String("path", s.path), zap.Int64("offset", offset), zap.Error(cause))
	return nil
}

func (s *JsonlSink) terminateLastLine() error {
	writer, err := newJSONLWriter(s.path)
	if err != nil {
		return err
	}
	if err := writer.writer.WriteByte('\n'); err != nil {
		writer.Close()
		return fmt.Errorf("write newline: %w", err)
	}
	return writer.Close()
}

func (s *JsonlSink) OnToolRegistered(_ context.Context, event model.ToolRegisteredEvent) error {
	return s.append(event)
}

func (s *JsonlSink) OnToolUpdated(_ context.Context, event model.ToolUpdatedEvent) error {
	return s.append(event)
}

func (s *JsonlSink) OnOwnershipTransferred(_ context.Context, event model.OwnershipTransferredEvent) error {
	return s.append(event)
}

// OnProcessedBlock saves the checkpoint; lower values are ignored.
func (s *JsonlSink) OnProcessedBlock(_ context.Context, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint.Save(blockNumber)
}

func (s *JsonlSink) LastProcessedBlock(context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok, err := s.checkpoint.Load()
	if err != nil || !ok {
		return 0, false, err
	}
	return cp.LastProcessedBlock, true, nil
}

func (s *JsonlSink) Close() error {
	return nil
}

func (s *JsonlSink) append(record model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := record.Key()
	if _, ok := s.seen[key]; ok {
		return nil
	}

	line, err := model.MarshalRecord(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	writer, err := newJSONLWriter(s.path)
	if err != nil {
		return err
	}
	if err := writer.WriteLine(line); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	s.seen[key] = struct{}{}
	return nil
}

// DropLog writes dropped events to a JSONL file.
type DropLog struct {
	mu     sync.Mutex
	writer *jsonlWriter
}

// NewDropLog opens path for appending.
func NewDropLog(path string) (*DropLog, error) {
	writer, err := newJSONLWriter(path)
	if err != nil {
		return nil, err
	}
	return &DropLog{writer: writer}, nil
}

// RecordDrop appends one dropped event and flushes it.
func (d *DropLog) RecordDrop(event model.DroppedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Write(event); err != nil {
		return err
	}
	return d.writer.Flush()
}

func (d *DropLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writer.Close()
}

type jsonlWriter struct {
	file   *os.File
	writer *bufio.Writer
}

// newJSONLWriter opens path for appending, creating parent directories.
func newJSONLWriter(path string) (*jsonlWriter, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &jsonlWriter{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (w *jsonlWriter) Write(value interface{}) error {
	line, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return w.WriteLine(line)
}

func (w *jsonlWriter) WriteLine(line []byte) error {
	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

func (w *jsonlWriter) Flush() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (w *jsonlWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
