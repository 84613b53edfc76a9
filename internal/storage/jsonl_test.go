package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"registryScope/internal/model"
)

func testRegistered(hash common.Hash, block uint64) model.ToolRegisteredEvent {
	return model.ToolRegisteredEvent{ToolVersion: model.ToolVersion{
		Name:        "web-search",
		Major:       1,
		BlockNumber: block,
		TxHash:      hash,
	}}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	n := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		n++
	}
	return n
}

func TestJsonlSinkIsIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.jsonl")
	cp := filepath.Join(dir, "checkpoint.json")
	ctx := context.Background()

	sink, err := NewJsonlSink(out, cp, nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	event := testRegistered(common.HexToHash("0x01"), 10)
	if err := sink.OnToolRegistered(ctx, event); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.OnToolRegistered(ctx, event); err != nil {
		t.Fatalf("write duplicate: %v", err)
	}
	// Same transaction, different event type.
	if err := sink.OnToolUpdated(ctx, model.ToolUpdatedEvent{ToolVersion: event.ToolVersion}); err != nil {
		t.Fatalf("write update: %v", err)
	}

	reopened, err := NewJsonlSink(out, cp, nil)
	if err != nil {
		t.Fatalf("reopen sink: %v", err)
	}
	if err := reopened.OnToolRegistered(ctx, event); err != nil {
		t.Fatalf("write after reopen: %v", err)
	}

	if n := countLines(t, out); n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
}

func TestJsonlSinkCheckpoint(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJsonlSink(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "state", "checkpoint.json"), nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	ctx := context.Background()

	if _, ok, err := sink.LastProcessedBlock(ctx); err != nil || ok {
		t.Fatalf("expected empty checkpoint, got ok=%v err=%v", ok, err)
	}
	for _, block := range []uint64{100, 250, 200} {
		if err := sink.OnProcessedBlock(ctx, block); err != nil {
			t.Fatalf("checkpoint %d: %v", block, err)
		}
	}
	last, ok, err := sink.LastProcessedBlock(ctx)
	if err != nil || !ok || last != 250 {
		t.Fatalf("checkpoint mismatch: %d %v %v", last, ok, err)
	}
}

func TestDropLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.jsonl")
	drops, err := NewDropLog(path)
	if err != nil {
		t.Fatalf("open drop log: %v", err)
	}
	event := model.DroppedEvent{EventType: model.EventToolUpdated, BlockNumber: 7, Reason: "unresolved"}
	if err := drops.RecordDrop(event); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := drops.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var decoded model.DroppedEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.BlockNumber != 7 || decoded.Reason != "unresolved" || decoded.EventType != model.EventToolUpdated {
		t.Fatalf("dropped event mismatch: %+v", decoded)
	}
}

func TestJsonlSinkTruncatesTornLastLine(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.jsonl")
	cp := filepath.Join(dir, "checkpoint.json")
	ctx := context.Background()

	sink, err := NewJsonlSink(out, cp, nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	first := testRegistered(common.HexToHash("0x01"), 10)
	if err := sink.OnToolRegistered(ctx, first); err != nil {
		t.Fatalf("write: %v", err)
	}

	file, err := os.OpenFile(out, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for crash: %v", err)
	}
	if _, err := file.WriteString(`{"event_type":"ToolRegistered","record":{"na`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	file.Close()

	reopened, err := NewJsonlSink(out, cp, nil)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	if err := reopened.OnToolRegistered(ctx, first); err != nil {
		t.Fatalf("write duplicate: %v", err)
	}
	if err := reopened.OnToolRegistered(ctx, testRegistered(common.HexToHash("0x02"), 11)); err != nil {
		t.Fatalf("write after reopen: %v", err)
	}

	if n := countLines(t, out); n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
	if _, err := NewJsonlSink(out, cp, nil); err != nil {
		t.Fatalf("reopen repaired file: %v", err)
	}
}

func TestJsonlSinkTerminatesUnterminatedLastRecord(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.jsonl")
	cp := filepath.Join(dir, "checkpoint.json")

	line, err := model.MarshalRecord(testRegistered(common.HexToHash("0x01"), 10))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(out, line, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sink, err := NewJsonlSink(out, cp, nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	if err := sink.OnToolRegistered(context.Background(), testRegistered(common.HexToHash("0x02"), 11)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n := countLines(t, out); n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
}

func TestJsonlSinkRejectsCorruptMiddleLine(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.jsonl")

	line, err := model.MarshalRecord(testRegistered(common.HexToHash("0x01"), 10))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	content := append([]byte("{not json}\n"), line...)
	content = append(content, '\n')
	if err := os.WriteFile(out, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewJsonlSink(out, filepath.Join(dir, "checkpoint.json"), nil); err == nil {
		t.Fatalf("expected error for corrupt line inside the file")
	}
}
