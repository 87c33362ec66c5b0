// internal/ledger/simulated.go
package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

const simulatedBaseGas = 21000

// SimulatedLedger is an in-process hash-chained ledger with the same
// semantics as the deployed contract. Each accepted call is mined into its
// own block whose hash covers the previous block hash.
type SimulatedLedger struct {
	mu       sync.Mutex
	network  string
	delay    time.Duration
	now      func() time.Time
	blocks   []Block
	products map[string]*chainProduct
	receipts map[string]*Receipt
	// confirmAt is the wall-clock time each receipt becomes available.
	confirmAt map[string]time.Time
}

// Block is one mined record of the simulated chain.
type Block struct {
	Number       uint64                 `json:"number"`
	Hash         string                 `json:"hash"`
	PreviousHash string                 `json:"previous_hash"`
	TxHash       string                 `json:"tx_hash"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data"`
}

type chainProduct struct {
	name         string
	description  string
	steps        int
	registration *Receipt
}

type SimulatedOption func(*SimulatedLedger)

// WithConfirmationDelay makes each receipt available d after its submission.
// Waiting again with AwaitReceipt only waits for the remainder.
func WithConfirmationDelay(d time.Duration) SimulatedOption {
	return func(l *SimulatedLedger) { l.delay = d }
}

func WithClock(now func() time.Time) SimulatedOption {
	return func(l *SimulatedLedger) { l.now = now }
}

func NewSimulatedLedger(network string, opts ...SimulatedOption) *SimulatedLedger {
	l := &SimulatedLedger{
		network:   network,
		now:       time.Now,
		products:  make(map[string]*chainProduct),
		receipts:  make(map[string]*Receipt),
		confirmAt: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	genesis := Block{Number: 0, Timestamp: l.now(), Data: map[string]interface{}{"type": "genesis"}}
	genesis.Hash = hashBlock(genesis)
	l.blocks = append(l.blocks, genesis)
	return l
}

func (l *SimulatedLedger) Network() string {
	return l.network
}

func (l *SimulatedLedger) RegisterProduct(ctx context.Context, req RegisterProductRequest) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("%v", err)
	}
	if req.QRCode == "" {
		return nil, &RejectedError{Reason: "qr code is required"}
	}

	l.mu.Lock()
	if p, ok := l.products[req.QRCode]; ok {
		l.mu.Unlock()
		return nil, &AlreadyRegisteredError{QRCode: req.QRCode, Receipt: p.registration}
	}
	receipt := l.mine(map[string]interface{}{
		"type":        "product_registration",
		"qr_code":     req.QRCode,
		"name":        req.Name,
		"description": req.Description,
	})
	l.products[req.QRCode] = &chainProduct{
		name:         req.Name,
		description:  req.Description,
		registration: receipt,
	}
	l.mu.Unlock()

	return l.awaitMined(ctx, receipt)
}

func (l *SimulatedLedger) AppendStep(ctx context.Context, req AppendStepRequest) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("%v", err)
	}

	l.mu.Lock()
	p, ok := l.products[req.QRCode]
	if !ok {
		l.mu.Unlock()
		return nil, &RejectedError{Reason: "product does not exist"}
	}
	receipt := l.mine(map[string]interface{}{
		"type":        "step_append",
		"qr_code":     req.QRCode,
		"step_type":   req.StepType,
		"description": req.Description,
		"location":    req.Location,
	})
	p.steps++
	l.mu.Unlock()

	return l.awaitMined(ctx, receipt)
}

func (l *SimulatedLedger) FetchProductState(ctx context.Context, qrCode string) (*ProductState, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("%v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.products[qrCode]
	if !ok {
		return &ProductState{Exists: false}, nil
	}
	return &ProductState{
		Exists:      true,
		Name:        p.name,
		Description: p.description,
		StepCount:   p.steps,
	}, nil
}

func (l *SimulatedLedger) AwaitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	l.mu.Lock()
	receipt, ok := l.receipts[txHash]
	l.mu.Unlock()
	if !ok {
		return nil, ErrTxNotFound
	}
	return l.awaitMined(ctx, receipt)
}

// Blocks returns a copy of the chain, genesis first.
func (l *SimulatedLedger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// VerifyChain recomputes every block hash and checks the back links.
func (l *SimulatedLedger) VerifyChain() error {
	blocks := l.Blocks()
	for i, b := range blocks {
		if hashBlock(b) != b.Hash {
			return fmt.Errorf("block %d hash mismatch", b.Number)
		}
		if i > 0 && b.PreviousHash != blocks[i-1].Hash {
			return fmt.Errorf("block %d does not link to block %d", b.Number, blocks[i-1].Number)
		}
	}
	return nil
}

// mine appends a block. Caller holds l.mu.
func (l *SimulatedLedger) mine(data map[string]interface{}) *Receipt {
	prev := l.blocks[len(l.blocks)-1]
	b := Block{
		Number:       prev.Number + 1,
		PreviousHash: prev.Hash,
		Timestamp:    l.now(),
		Data:         data,
	}
	b.TxHash = "0x" + keccakHex(prev.Hash, b.Timestamp.String(), mustJSON(data))
	b.Hash = hashBlock(b)
	l.blocks = append(l.blocks, b)

	receipt := &Receipt{
		TxHash:      b.TxHash,
		BlockNumber: b.Number,
		GasUsed:     simulatedBaseGas + 16*uint64(len(mustJSON(data))),
		Network:     l.network,
	}
	l.receipts[receipt.TxHash] = receipt
	l.confirmAt[receipt.TxHash] = time.Now().Add(l.delay)
	return receipt
}

func (l *SimulatedLedger) awaitMined(ctx context.Context, receipt *Receipt) (*Receipt, error) {
	l.mu.Lock()
	remaining := time.Until(l.confirmAt[receipt.TxHash])
	l.mu.Unlock()
	if remaining <= 0 {
		out := *receipt
		return &out, nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		out := *receipt
		return &out, nil
	case <-ctx.Done():
		return nil, &PendingTxError{TxHash: receipt.TxHash}
	}
}

func hashBlock(b Block) string {
	return "0x" + keccakHex(
		fmt.Sprintf("%d", b.Number),
		b.PreviousHash,
		b.TxHash,
		b.Timestamp.UTC().Format(time.RFC3339Nano),
		mustJSON(b.Data),
	)
}

func keccakHex(parts ...string) string {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func mustJSON(v interface{}) string {
	data, _ := json.Marshal(v)
	return string(data)
}
