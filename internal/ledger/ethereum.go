// internal/ledger/ethereum.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/javajoker/traceledger/internal/config"
)

// contractABI is the subset of the ProductTraceability contract this service calls.
const contractABI = `[
	{"type":"function","name":"createProduct","stateMutability":"nonpayable",
	 "inputs":[{"name":"qrCode","type":"string"},{"name":"name","type":"string"},{"name":"description","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"addStep","stateMutability":"nonpayable",
	 "inputs":[{"name":"qrCode","type":"string"},{"name":"stepType","type":"string"},{"name":"description","type":"string"},{"name":"location","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"products","stateMutability":"view",
	 "inputs":[{"name":"qrCode","type":"string"}],
	 "outputs":[{"name":"name","type":"string"},{"name":"description","type":"string"},{"name":"stepCount","type":"uint256"},{"name":"exists","type":"bool"}]},
	{"type":"event","name":"ProductCreated","anonymous":false,
	 "inputs":[{"name":"qrCode","type":"string","indexed":true},{"name":"name","type":"string","indexed":false}]}
]`

// Backend is the JSON-RPC surface the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

type EthereumClient struct {
	backend        Backend
	contract       *bind.BoundContract
	abi            abi.ABI
	address        common.Address
	auth           *bind.TransactOpts
	network        string
	deployBlock    uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration
	limiter        *rate.Limiter

	// sendMu serializes broadcasts so nonces are assigned in order.
	// It is released before waiting for confirmation.
	sendMu sync.Mutex
}

func NewEthereumClient(ctx context.Context, cfg config.BlockchainConfig) (*EthereumClient, error) {
	backend, err := ethclient.DialContext(ctx, cfg.RPC_URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to blockchain RPC: %w", err)
	}
	return NewEthereumClientWithBackend(ctx, backend, cfg)
}

func NewEthereumClientWithBackend(ctx context.Context, backend Backend, cfg config.BlockchainConfig) (*EthereumClient, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid blockchain private key: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	address := common.HexToAddress(cfg.ContractAddress)

	burst := int(cfg.RPCRateLimit)
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(cfg.RPCRateLimit)
	if cfg.RPCRateLimit <= 0 {
		limit = rate.Inf
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &EthereumClient{
		backend:        backend,
		contract:       bind.NewBoundContract(address, parsed, backend, backend, backend),
		abi:            parsed,
		address:        address,
		auth:           auth,
		network:        cfg.Network,
		deployBlock:    cfg.DeployBlock,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   pollInterval,
		limiter:        rate.NewLimiter(limit, burst),
	}, nil
}

func (c *EthereumClient) Network() string {
	return c.network
}

func (c *EthereumClient) RegisterProduct(ctx context.Context, req RegisterProductRequest) (*Receipt, error) {
	state, err := c.FetchProductState(ctx, req.QRCode)
	if err != nil {
		return nil, err
	}
	if state.Exists {
		return nil, c.alreadyRegistered(ctx, req.QRCode)
	}

	tx, err := c.transact(ctx, "createProduct", req.QRCode, req.Name, req.Description)
	if err != nil {
		if isRevert(err) {
			return nil, c.registrationRejected(ctx, req.QRCode, revertReason(err))
		}
		return nil, classify(err)
	}

	logrus.WithFields(logrus.Fields{
		"qr_code": req.QRCode,
		"tx_hash": tx.Hash().Hex(),
	}).Info("Product registration broadcast")

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, c.registrationRejected(ctx, req.QRCode, "transaction reverted")
	}
	return c.toReceipt(receipt), nil
}

func (c *EthereumClient) AppendStep(ctx context.Context, req AppendStepRequest) (*Receipt, error) {
	tx, err := c.transact(ctx, "addStep", req.QRCode, req.StepType, req.Description, req.Location)
	if err != nil {
		if isRevert(err) {
			return nil, &RejectedError{Reason: revertReason(err)}
		}
		return nil, classify(err)
	}

	logrus.WithFields(logrus.Fields{
		"qr_code": req.QRCode,
		"tx_hash": tx.Hash().Hex(),
	}).Info("Step append broadcast")

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &RejectedError{Reason: "transaction reverted"}
	}
	return c.toReceipt(receipt), nil
}

func (c *EthereumClient) FetchProductState(ctx context.Context, qrCode string) (*ProductState, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transient("rate limiter: %v", err)
	}

	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "products", qrCode); err != nil {
		return nil, classify(err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("unexpected products() output length %d", len(out))
	}

	state := &ProductState{}
	state.Name, _ = out[0].(string)
	state.Description, _ = out[1].(string)
	if n, ok := out[2].(*big.Int); ok && n != nil {
		state.StepCount = int(n.Int64())
	}
	state.Exists, _ = out[3].(bool)
	return state, nil
}

func (c *EthereumClient) AwaitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transient("rate limiter: %v", err)
	}
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Mined transactions can be pruned from the pool view but still have a receipt.
			if _, rerr := c.backend.TransactionReceipt(ctx, hash); rerr != nil {
				return nil, ErrTxNotFound
			}
		} else {
			return nil, classify(err)
		}
	}

	receipt, err := c.waitMined(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// A registration that lost a race to another writer reverts; adopt the winner's receipt.
		if qrCode, ok := c.registrationQRCode(tx); ok {
			return nil, c.registrationRejected(ctx, qrCode, "transaction reverted")
		}
		return nil, &RejectedError{Reason: "transaction reverted"}
	}
	return c.toReceipt(receipt), nil
}

// registrationQRCode decodes the qr code argument of a createProduct call.
func (c *EthereumClient) registrationQRCode(tx *types.Transaction) (string, bool) {
	if tx == nil || len(tx.Data()) < 4 {
		return "", false
	}
	method, err := c.abi.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "createProduct" {
		return "", false
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil || len(args) == 0 {
		return "", false
	}
	qrCode, ok := args[0].(string)
	return qrCode, ok
}

func (c *EthereumClient) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (c *EthereumClient) transact(ctx context.Context, method string, args ...interface{}) (*types.Transaction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transient("rate limiter: %v", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	opts := *c.auth
	opts.Context = ctx
	return c.contract.Transact(&opts, method, args...)
}

// waitMined polls for the receipt until the confirmation budget runs out.
func (c *EthereumClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx := ctx
	if c.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			logrus.WithError(err).WithField("tx_hash", hash.Hex()).Debug("Receipt poll failed")
		}

		select {
		case <-waitCtx.Done():
			return nil, &PendingTxError{TxHash: hash.Hex()}
		case <-ticker.C:
		}
	}
}

func (c *EthereumClient) alreadyRegistered(ctx context.Context, qrCode string) error {
	receipt, err := c.lookupRegistration(ctx, qrCode)
	if err != nil {
		return err
	}
	return &AlreadyRegisteredError{QRCode: qrCode, Receipt: receipt}
}

func (c *EthereumClient) registrationRejected(ctx context.Context, qrCode, reason string) error {
	if state, err := c.FetchProductState(ctx, qrCode); err == nil && state.Exists {
		return c.alreadyRegistered(ctx, qrCode)
	}
	return &RejectedError{Reason: reason}
}

// lookupRegistration recovers the receipt of the original createProduct call
// from the ProductCreated event log. Returns nil when no event is found.
func (c *EthereumClient) lookupRegistration(ctx context.Context, qrCode string) (*Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transient("rate limiter: %v", err)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.deployBlock),
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{
			{c.abi.Events["ProductCreated"].ID},
			{crypto.Keccak256Hash([]byte(qrCode))},
		},
	}
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	receipt, err := c.backend.TransactionReceipt(ctx, logs[0].TxHash)
	if err != nil {
		return nil, classify(err)
	}
	return c.toReceipt(receipt), nil
}

func (c *EthereumClient) toReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:  r.TxHash.Hex(),
		GasUsed: r.GasUsed,
		Network: c.network,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

// classify maps RPC failures onto the ledger error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isRevert(err) {
		return &RejectedError{Reason: revertReason(err)}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func revertReason(err error) string {
	msg := err.Error()
	if i := strings.Index(strings.ToLower(msg), "execution reverted"); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len("execution reverted"):], ":"))
		if reason != "" {
			return reason
		}
	}
	return "execution reverted"
}
