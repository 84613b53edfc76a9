package indexer

import (
	"context"
	"errors"
	"testing"

	"registryScope/internal/registry"
)

func newTestResolver(t *testing.T, provider *fakeProvider, retry RetryConfig) *Resolver {
	t.Helper()
	resolver, err := NewResolver(provider, testContract(t), retry, 16, nil, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return resolver
}

func TestResolveRegisterCall(t *testing.T) {
	provider := newFakeProvider(0)
	contract := testContract(t)
	provider.addToolTx(t, contract, "registerTool", "web-search", txHash(1))
	resolver := newTestResolver(t, provider, testRetry())

	name, ok, err := resolver.ResolveName(context.Background(), txHash(1))
	if err != nil || !ok || name != "web-search" {
		t.Fatalf("name mismatch: %q %v %v", name, ok, err)
	}
	metadata, ok, err := resolver.ResolveMetadataHash(context.Background(), txHash(1))
	if err != nil || !ok || metadata != testMetadataHash {
		t.Fatalf("metadata mismatch: %s %v %v", metadata.Hex(), ok, err)
	}
	if provider.txCallCount() != 1 {
		t.Fatalf("expected cached decode, got %d fetches", provider.txCallCount())
	}
}

func TestResolveTransferHasNoMetadata(t *testing.T) {
	provider := newFakeProvider(0)
	contract := testContract(t)
	input, err := contract.ABI().Pack("transferToolOwnership", "calculator", testNewOwner)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	provider.txs[txHash(2)] = newTx(input)
	resolver := newTestResolver(t, provider, testRetry())

	name, ok, err := resolver.ResolveName(context.Background(), txHash(2))
	if err != nil || !ok || name != "calculator" {
		t.Fatalf("name mismatch: %q %v %v", name, ok, err)
	}
	if _, ok, err := resolver.ResolveMetadataHash(context.Background(), txHash(2)); ok || err != nil {
		t.Fatalf("expected no metadata, got ok=%v err=%v", ok, err)
	}
}

func TestResolveUnrecognizedFunction(t *testing.T) {
	provider := newFakeProvider(0)
	contract := testContract(t)
	input, err := contract.ABI().Pack("renounceToolOwnership", "calculator")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	provider.txs[txHash(3)] = newTx(input)
	provider.txs[txHash(4)] = newTx(nil)
	resolver := newTestResolver(t, provider, testRetry())

	if _, ok, err := resolver.ResolveName(context.Background(), txHash(3)); ok || err != nil {
		t.Fatalf("expected unresolved, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := resolver.ResolveName(context.Background(), txHash(4)); ok || err != nil {
		t.Fatalf("expected unresolved for empty input, got ok=%v err=%v", ok, err)
	}
	_, err = resolver.ResolveCall(context.Background(), txHash(3))
	if !errors.Is(err, ErrUnresolved) || !errors.Is(err, registry.ErrUnrecognizedCall) {
		t.Fatalf("expected unrecognized call, got %v", err)
	}
}

func TestResolveMissingTxIsNotRetried(t *testing.T) {
	provider := newFakeProvider(0)
	retry := testRetry()
	retry.MaxRetries = 3
	resolver := newTestResolver(t, provider, retry)

	_, ok, err := resolver.ResolveName(context.Background(), txHash(5))
	if ok || err != nil {
		t.Fatalf("expected unresolved, got ok=%v err=%v", ok, err)
	}
	if provider.txCallCount() != 1 {
		t.Fatalf("expected 1 fetch, got %d", provider.txCallCount())
	}
}

func TestResolveTransportErrorIsFatalAfterRetries(t *testing.T) {
	provider := newFakeProvider(0)
	provider.txErr = errors.New("connection reset")
	retry := testRetry()
	retry.MaxRetries = 3
	resolver := newTestResolver(t, provider, retry)

	_, _, err := resolver.ResolveName(context.Background(), txHash(6))
	if err == nil || errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if provider.txCallCount() != 3 {
		t.Fatalf("expected 3 fetches, got %d", provider.txCallCount())
	}
}
