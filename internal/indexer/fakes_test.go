package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"registryScope/internal/model"
	"registryScope/internal/registry"
)

var testRegistryAddress = common.HexToAddress("0x1111111111111111111111111111111111111111")

func testContract(t *testing.T) *registry.Contract {
	t.Helper()
	parsed, err := registry.RegistryABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	contract, err := registry.NewContract(testRegistryAddress, parsed)
	if err != nil {
		t.Fatalf("contract: %v", err)
	}
	return contract
}

func testRetry() RetryConfig {
	return RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, Factor: 2}
}

type filterCall struct {
	Topic common.Hash
	From  uint64
	To    uint64
}

type fakeSubscription struct {
	errCh chan error
	once  sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errCh: make(chan error, 1)}
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

func (s *fakeSubscription) Err() <-chan error {
	return s.errCh
}

type fakeProvider struct {
	mu sync.Mutex

	// heads are returned by successive BlockNumber calls; the last repeats.
	heads     []uint64
	logs      []types.Log
	txs       map[common.Hash]*types.Transaction
	txErr     error
	filterErr func(call filterCall) error

	filterCalls []filterCall
	txCalls     int

	logCh   chan<- types.Log
	headCh  chan<- *types.Header
	logSubs []*fakeSubscription
	headSub *fakeSubscription
}

func newFakeProvider(heads ...uint64) *fakeProvider {
	return &fakeProvider{heads: heads, txs: make(map[common.Hash]*types.Transaction)}
}

func (p *fakeProvider) BlockNumber(context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.heads) == 0 {
		return 0, errors.New("no head")
	}
	head := p.heads[0]
	if len(p.heads) > 1 {
		p.heads = p.heads[1:]
	}
	return head, nil
}

func (p *fakeProvider) FilterLogs(_ context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call := filterCall{
		Topic: query.Topics[0][0],
		From:  query.FromBlock.Uint64(),
		To:    query.ToBlock.Uint64(),
	}
	p.filterCalls = append(p.filterCalls, call)
	if p.filterErr != nil {
		if err := p.filterErr(call); err != nil {
			return nil, err
		}
	}

	var out []types.Log
	for _, log := range p.logs {
		if len(log.Topics) == 0 || log.Topics[0] != call.Topic {
			continue
		}
		if log.BlockNumber < call.From || log.BlockNumber > call.To {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (p *fakeProvider) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txCalls++
	if p.txErr != nil {
		return nil, false, p.txErr
	}
	tx, ok := p.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (p *fakeProvider) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logCh = ch
	sub := newFakeSubscription()
	p.logSubs = append(p.logSubs, sub)
	return sub, nil
}

func (p *fakeProvider) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headCh = ch
	p.headSub = newFakeSubscription()
	return p.headSub, nil
}

func (p *fakeProvider) calls() []filterCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]filterCall(nil), p.filterCalls...)
}

func (p *fakeProvider) txCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txCalls
}

// subscriptions returns the number of log listeners installed so far and the
// latest head listener.
func (p *fakeProvider) subscriptions() (int, *fakeSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.logSubs), p.headSub
}

func (p *fakeProvider) pushLog(log types.Log) {
	p.mu.Lock()
	ch := p.logCh
	p.mu.Unlock()
	ch <- log
}

// logsDrained reports whether the subscriber has taken every pushed log.
func (p *fakeProvider) logsDrained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.logCh) == 0
}

func (p *fakeProvider) pushHead(number uint64) {
	p.mu.Lock()
	ch := p.headCh
	p.mu.Unlock()
	ch <- &types.Header{Number: new(big.Int).SetUint64(number)}
}

// addRegistered adds a registerTool transaction and its ToolRegistered log.
func (p *fakeProvider) addRegistered(t *testing.T, contract *registry.Contract, name string, block uint64, txHash common.Hash) types.Log {
	t.Helper()
	p.addToolTx(t, contract, "registerTool", name, txHash)
	log := toolLog(t, contract, model.EventToolRegistered, name, block, txHash)
	p.logs = append(p.logs, log)
	return log
}

func (p *fakeProvider) addUpdated(t *testing.T, contract *registry.Contract, name string, block uint64, txHash common.Hash) types.Log {
	t.Helper()
	p.addToolTx(t, contract, "updateToolMetadata", name, txHash)
	log := toolLog(t, contract, model.EventToolUpdated, name, block, txHash)
	p.logs = append(p.logs, log)
	return log
}

func (p *fakeProvider) addTransferred(t *testing.T, contract *registry.Contract, name string, block uint64, txHash common.Hash) types.Log {
	t.Helper()
	input, err := contract.ABI().Pack("transferToolOwnership", name, testNewOwner)
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}
	p.txs[txHash] = newTx(input)
	log := ownershipLog(contract, name, block, txHash)
	p.logs = append(p.logs, log)
	return log
}

func (p *fakeProvider) addToolTx(t *testing.T, contract *registry.Contract, method, name string, txHash common.Hash) {
	t.Helper()
	input, err := contract.ABI().Pack(method, name, uint32(1), uint32(2), uint32(3), [32]byte(testContentHash), [32]byte(testMetadataHash))
	if err != nil {
		t.Fatalf("pack %s: %v", method, err)
	}
	p.txs[txHash] = newTx(input)
}

var (
	testPublisher    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testPrevOwner    = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testNewOwner     = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	testContentHash  = common.HexToHash("0xc0ffee")
	testMetadataHash = common.HexToHash("0xfeed")
)

func newTx(input []byte) *types.Transaction {
	to := testRegistryAddress
	return types.NewTx(&types.LegacyTx{To: &to, Gas: 100000, GasPrice: big.NewInt(1), Data: input})
}

func txHash(n uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(n))
}

func toolLog(t *testing.T, contract *registry.Contract, eventType model.EventType, name string, block uint64, hash common.Hash) types.Log {
	t.Helper()
	data, err := contract.ABI().Events[string(eventType)].Inputs.NonIndexed().Pack(
		uint32(1), uint32(2), uint32(3), [32]byte(testContentHash), big.NewInt(1700000000),
	)
	if err != nil {
		t.Fatalf("pack %s: %v", eventType, err)
	}
	return types.Log{
		Address:     testRegistryAddress,
		Topics:      []common.Hash{contract.Topic(eventType), registry.NameHash(name), common.BytesToHash(testPublisher.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      hash,
	}
}

func ownershipLog(contract *registry.Contract, name string, block uint64, hash common.Hash) types.Log {
	return types.Log{
		Address: testRegistryAddress,
		Topics: []common.Hash{
			contract.Topic(model.EventOwnershipTransferred),
			registry.NameHash(name),
			common.BytesToHash(testPrevOwner.Bytes()),
			common.BytesToHash(testNewOwner.Bytes()),
		},
		BlockNumber: block,
		TxHash:      hash,
	}
}

type recordingSink struct {
	mu          sync.Mutex
	records     []model.Record
	checkpoints []uint64
	fail        map[common.Hash]error
	panicOn     map[common.Hash]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{fail: make(map[common.Hash]error), panicOn: make(map[common.Hash]bool)}
}

func (s *recordingSink) add(record model.Record) error {
	key := record.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOn[key.TxHash] {
		panic("sink exploded")
	}
	if err := s.fail[key.TxHash]; err != nil {
		return err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) OnToolRegistered(_ context.Context, event model.ToolRegisteredEvent) error {
	return s.add(event)
}

func (s *recordingSink) OnToolUpdated(_ context.Context, event model.ToolUpdatedEvent) error {
	return s.add(event)
}

func (s *recordingSink) OnOwnershipTransferred(_ context.Context, event model.OwnershipTransferredEvent) error {
	return s.add(event)
}

func (s *recordingSink) OnProcessedBlock(_ context.Context, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, blockNumber)
	return nil
}

func (s *recordingSink) LastProcessedBlock(context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.checkpoints) == 0 {
		return 0, false, nil
	}
	return s.checkpoints[len(s.checkpoints)-1], true, nil
}

func (s *recordingSink) snapshot() ([]model.Record, []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Record(nil), s.records...), append([]uint64(nil), s.checkpoints...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordingDrops struct {
	mu     sync.Mutex
	events []model.DroppedEvent
}

func (d *recordingDrops) RecordDrop(event model.DroppedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}
