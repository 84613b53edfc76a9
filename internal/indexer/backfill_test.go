package indexer

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"registryScope/internal/model"
)

func newTestBackfiller(t *testing.T, provider *fakeProvider, sink Callbacks, policy ResolutionPolicy) *Backfiller {
	t.Helper()
	contract := testContract(t)
	resolver, err := NewResolver(provider, contract, testRetry(), 16, nil, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	normalizer := NewNormalizer(contract, resolver, policy, nil, nil, nil)
	return NewBackfiller(BackfillConfig{ChunkSize: 1000, Retry: testRetry()}, provider, contract, normalizer, sink, nil, nil)
}

func TestBackfillChunksAndCheckpoints(t *testing.T) {
	provider := newFakeProvider(2500)
	sink := newRecordingSink()
	backfiller := newTestBackfiller(t, provider, sink, PolicyDrop)

	highest, err := backfiller.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if highest != 2500 {
		t.Fatalf("highest mismatch: %d", highest)
	}

	_, checkpoints := sink.snapshot()
	if !reflect.DeepEqual(checkpoints, []uint64{999, 1999, 2500}) {
		t.Fatalf("checkpoints mismatch: %v", checkpoints)
	}

	calls := provider.calls()
	if len(calls) != 9 {
		t.Fatalf("expected 9 filter calls, got %d", len(calls))
	}
	contract := testContract(t)
	expected := []filterCall{
		{Topic: contract.Topic(model.EventToolRegistered), From: 0, To: 999},
		{Topic: contract.Topic(model.EventToolUpdated), From: 0, To: 999},
		{Topic: contract.Topic(model.EventOwnershipTransferred), From: 0, To: 999},
	}
	if !reflect.DeepEqual(calls[:3], expected) {
		t.Fatalf("first chunk calls mismatch: %+v", calls[:3])
	}
	if calls[8].From != 2000 || calls[8].To != 2500 {
		t.Fatalf("last chunk mismatch: %+v", calls[8])
	}
}

func TestBackfillFromBeyondHead(t *testing.T) {
	provider := newFakeProvider(2500)
	sink := newRecordingSink()
	backfiller := newTestBackfiller(t, provider, sink, PolicyDrop)

	highest, err := backfiller.Run(context.Background(), 2600)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if highest != 2500 {
		t.Fatalf("expected head, got %d", highest)
	}
	if calls := provider.calls(); len(calls) != 0 {
		t.Fatalf("expected no queries, got %d", len(calls))
	}
	if _, checkpoints := sink.snapshot(); len(checkpoints) != 0 {
		t.Fatalf("expected no checkpoints, got %v", checkpoints)
	}
}

func TestBackfillFromEqualsHeadIsProcessed(t *testing.T) {
	provider := newFakeProvider(500)
	contract := testContract(t)
	provider.addRegistered(t, contract, "web-search", 500, txHash(1))
	sink := newRecordingSink()
	backfiller := newTestBackfiller(t, provider, sink, PolicyDrop)

	highest, err := backfiller.Run(context.Background(), 500)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	records, checkpoints := sink.snapshot()
	if highest != 500 || len(records) != 1 || !reflect.DeepEqual(checkpoints, []uint64{500}) {
		t.Fatalf("unexpected result: highest=%d records=%d checkpoints=%v", highest, len(records), checkpoints)
	}
}

func TestBackfillConfirmations(t *testing.T) {
	provider := newFakeProvider(2510)
	sink := newRecordingSink()
	contract := testContract(t)
	resolver, err := NewResolver(provider, contract, testRetry(), 16, nil, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	normalizer := NewNormalizer(contract, resolver, PolicyDrop, nil, nil, nil)
	backfiller := NewBackfiller(BackfillConfig{ChunkSize: 1000, Confirmations: 10, Retry: testRetry()}, provider, contract, normalizer, sink, nil, nil)

	highest, err := backfiller.Run(context.Background(), 2000)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if highest != 2500 {
		t.Fatalf("highest mismatch: %d", highest)
	}
}

func TestBackfillDeliversResolvedRecords(t *testing.T) {
	provider := newFakeProvider(100)
	contract := testContract(t)
	provider.addRegistered(t, contract, "web-search", 10, txHash(1))
	provider.addUpdated(t, contract, "web-search", 20, txHash(2))
	provider.addTransferred(t, contract, "web-search", 30, txHash(3))

	sink := newRecordingSink()
	backfiller := newTestBackfiller(t, provider, sink, PolicyDrop)
	if _, err := backfiller.Run(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	records, _ := sink.snapshot()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	registered, ok := records[0].(model.ToolRegisteredEvent)
	if !ok {
		t.Fatalf("expected registered event, got %T", records[0])
	}
	if registered.Name != "web-search" || registered.MetadataHash != testMetadataHash || registered.ContentHash != testContentHash {
		t.Fatalf("registered mismatch: %+v", registered)
	}
	if registered.Major != 1 || registered.Minor != 2 || registered.Patch != 3 || registered.Publisher != testPublisher {
		t.Fatalf("registered version mismatch: %+v", registered)
	}
	if registered.Timestamp.Unix() != 1700000000 || registered.BlockNumber != 10 {
		t.Fatalf("registered position mismatch: %+v", registered)
	}

	if _, ok := records[1].(model.ToolUpdatedEvent); !ok {
		t.Fatalf("expected updated event, got %T", records[1])
	}

	transfer, ok := records[2].(model.OwnershipTransferredEvent)
	if !ok {
		t.Fatalf("expected ownership event, got %T", records[2])
	}
	if transfer.Name != "web-search" || transfer.PreviousOwner != testPrevOwner || transfer.NewOwner != testNewOwner {
		t.Fatalf("ownership mismatch: %+v", transfer)
	}
}

func TestBackfillIsRepeatable(t *testing.T) {
	contract := testContract(t)
	build := func() *fakeProvider {
		provider := newFakeProvider(1500)
		provider.addRegistered(t, contract, "alpha", 5, txHash(1))
		provider.addUpdated(t, contract, "alpha", 1200, txHash(2))
		return provider
	}

	first := newRecordingSink()
	if _, err := newTestBackfiller(t, build(), first, PolicyDrop).Run(context.Background(), 0); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second := newRecordingSink()
	if _, err := newTestBackfiller(t, build(), second, PolicyDrop).Run(context.Background(), 0); err != nil {
		t.Fatalf("second run: %v", err)
	}

	firstRecords, firstCheckpoints := first.snapshot()
	secondRecords, secondCheckpoints := second.snapshot()
	if !reflect.DeepEqual(firstRecords, secondRecords) {
		t.Fatalf("records differ between runs")
	}
	if !reflect.DeepEqual(firstCheckpoints, secondCheckpoints) {
		t.Fatalf("checkpoints differ: %v vs %v", firstCheckpoints, secondCheckpoints)
	}
}

func TestBackfillQueryFailureLeavesChunkUncheckpointed(t *testing.T) {
	provider := newFakeProvider(2500)
	contract := testContract(t)
	provider.addRegistered(t, contract, "alpha", 1500, txHash(1))
	updatedTopic := contract.Topic(model.EventToolUpdated)
	provider.filterErr = func(call filterCall) error {
		if call.From == 1000 && call.Topic == updatedTopic {
			return errors.New("rpc down")
		}
		return nil
	}

	sink := newRecordingSink()
	backfiller := newTestBackfiller(t, provider, sink, PolicyDrop)

	highest, err := backfiller.Run(context.Background(), 0)
	if err == nil {
		t.Fatalf("expected error")
	}
	if highest != 999 {
		t.Fatalf("highest mismatch: %d", highest)
	}
	records, checkpoints := sink.snapshot()
	if len(records) != 0 {
		t.Fatalf("expected no records from failed chunk, got %d", len(records))
	}
	if !reflect.DeepEqual(checkpoints, []uint64{999}) {
		t.Fatalf("checkpoints mismatch: %v", checkpoints)
	}
}

func TestBackfillSinkFailureAbortsChunk(t *testing.T) {
	provider := newFakeProvider(1500)
	contract := testContract(t)
	provider.addRegistered(t, contract, "alpha", 1100, txHash(1))

	sink := newRecordingSink()
	sink.fail[txHash(1)] = errors.New("disk full")
	backfiller := newTestBackfiller(t, provider, sink, PolicyDrop)

	if _, err := backfiller.Run(context.Background(), 0); err == nil {
		t.Fatalf("expected error")
	}
	if _, checkpoints := sink.snapshot(); !reflect.DeepEqual(checkpoints, []uint64{999}) {
		t.Fatalf("checkpoints mismatch: %v", checkpoints)
	}
}

func TestBackfillSkipsLogWithoutTxHash(t *testing.T) {
	provider := newFakeProvider(100)
	contract := testContract(t)
	provider.logs = append(provider.logs, toolLog(t, contract, model.EventToolRegistered, "ghost", 10, common.Hash{}))
	provider.addRegistered(t, contract, "alpha", 11, txHash(1))

	sink := newRecordingSink()
	backfiller := newTestBackfiller(t, provider, sink, PolicyPlaceholder)
	if _, err := backfiller.Run(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	records, checkpoints := sink.snapshot()
	if len(records) != 1 || records[0].Key().TxHash != txHash(1) {
		t.Fatalf("expected only the hashed log, got %+v", records)
	}
	if !reflect.DeepEqual(checkpoints, []uint64{100}) {
		t.Fatalf("checkpoints mismatch: %v", checkpoints)
	}
}

func TestBackfillDropsUnresolvedUnderDropPolicy(t *testing.T) {
	provider := newFakeProvider(100)
	contract := testContract(t)
	// Log without a matching transaction.
	provider.logs = append(provider.logs, toolLog(t, contract, model.EventToolRegistered, "orphan", 10, txHash(9)))

	sink := newRecordingSink()
	backfiller := newTestBackfiller(t, provider, sink, PolicyDrop)
	if _, err := backfiller.Run(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	records, checkpoints := sink.snapshot()
	if len(records) != 0 {
		t.Fatalf("expected drop, got %+v", records)
	}
	if !reflect.DeepEqual(checkpoints, []uint64{100}) {
		t.Fatalf("checkpoints mismatch: %v", checkpoints)
	}
}
