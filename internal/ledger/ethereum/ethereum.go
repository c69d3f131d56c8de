// Package ethereum implements the signature ledger on top of the deployed
// SignatureLedger contract (contracts/SignatureLedger.sol).
//
// Reads are eth_call against the latest block. Mutations are signed with
// the caller's key from the keyring, submitted, and awaited until mined and
// confirmed, bounded by tx_timeout. Rule violations come back as contract
// custom errors and are classified by selector.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-sign/internal/keyring"
	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

const (
	KeyRPCURL          = "rpc_url"
	KeyContractAddress = "contract_address"
	KeyChainID         = "chain_id"
	KeyKeysDir         = "keys_dir"
	KeyTxTimeout       = "tx_timeout"
	KeyConfirmations   = "confirmations"
	KeyGasHeadroom     = "gas_headroom_percent"
)

// logIndexBits is the number of low position bits holding the log index.
const logIndexBits = 20

func init() {
	ledger.Register("ethereum", open)
}

// Defaults returns the default configuration for the ethereum ledger.
func Defaults() map[string]string {
	return map[string]string{
		KeyRPCURL:        "ws://localhost:8546",
		KeyKeysDir:       "~/.arc-sign/keys",
		KeyTxTimeout:     "2m",
		KeyConfirmations: "1",
		KeyGasHeadroom:   "20",
	}
}

// Client is the subset of *ethclient.Client the ledger uses.
type Client interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Keys resolves the signing key for a caller address.
type Keys interface {
	LoadAddress(ctx context.Context, a identity.Address) (*keyring.Key, error)
}

// Options configures a Ledger.
type Options struct {
	Contract      common.Address
	ChainID       *big.Int
	TxTimeout     time.Duration
	Confirmations uint64
	GasHeadroom   uint64
	Metrics       *observability.Metrics
	PollInterval  time.Duration
}

// Ledger is the contract-backed ledger.
type Ledger struct {
	client   Client
	contract *bind.BoundContract
	keys     Keys
	opts     Options

	// submitMu serialises submission so nonces are taken in order.
	submitMu sync.Mutex
	closed   atomic.Bool
}

func open(ctx context.Context, cfg ledger.Config, metrics *observability.Metrics) (ledger.Ledger, error) {
	conf := storage.MergeConfig(Defaults(), cfg.Config)
	r := storage.NewReader("ethereum", conf)
	rpcURL := r.Required(KeyRPCURL)
	contractHex := r.Required(KeyContractAddress)
	chainID := r.Uint64(KeyChainID, 0)
	keysDir := r.Path(KeyKeysDir, "")
	txTimeout := r.Duration(KeyTxTimeout, 2*time.Minute)
	confirmations := r.Uint64(KeyConfirmations, 1)
	headroom := r.Uint64(KeyGasHeadroom, 20)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(contractHex) {
		return nil, &storage.ConfigError{Backend: "ethereum", Field: KeyContractAddress, Value: contractHex, Message: "must be a 0x-prefixed 20-byte address"}
	}
	if keysDir == "" {
		return nil, storage.NewConfigError("ethereum", KeyKeysDir, "cannot be empty")
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, &storage.ConfigError{Backend: "ethereum", Field: KeyRPCURL, Value: rpcURL, Message: "failed to dial", Cause: err}
	}

	opts := Options{
		Contract:      common.HexToAddress(contractHex),
		TxTimeout:     txTimeout,
		Confirmations: confirmations,
		GasHeadroom:   headroom,
		Metrics:       metrics,
	}
	if chainID > 0 {
		opts.ChainID = new(big.Int).SetUint64(chainID)
	} else {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, &storage.ConfigError{Backend: "ethereum", Field: KeyChainID, Message: "failed to query chain id", Cause: err}
		}
		opts.ChainID = id
	}

	code, err := client.CodeAt(ctx, opts.Contract, nil)
	if err != nil {
		client.Close()
		return nil, &storage.ConfigError{Backend: "ethereum", Field: KeyRPCURL, Value: rpcURL, Message: "failed to query contract code", Cause: err}
	}
	if len(code) == 0 {
		client.Close()
		return nil, &storage.ConfigError{Backend: "ethereum", Field: KeyContractAddress, Value: contractHex, Message: "no contract deployed at address"}
	}

	slog.InfoContext(ctx, "ethereum ledger connected",
		"contract", opts.Contract.Hex(), "chain_id", opts.ChainID.String(), "confirmations", confirmations)
	return New(client, keyring.New(keysDir), opts), nil
}

// New creates a ledger over an RPC client.
func New(client Client, keys Keys, opts Options) *Ledger {
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 2 * time.Minute
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ChainID == nil {
		opts.ChainID = big.NewInt(1)
	}
	return &Ledger{
		client:   client,
		contract: bind.NewBoundContract(opts.Contract, parsedABI, client, client, client),
		keys:     keys,
		opts:     opts,
	}
}

// PositionOf encodes a chain location as a ledger position: the block
// number in the high bits and the log index in the low 20 bits.
func PositionOf(block uint64, logIndex uint) document.Position {
	return document.Position(block<<logIndexBits | uint64(logIndex)&(1<<logIndexBits-1))
}

func (l *Ledger) checkOpen(op string) error {
	if l.closed.Load() {
		return errors.New(errors.KindInternal, errors.ReasonNone, op, "ledger closed")
	}
	return nil
}

func (l *Ledger) call(ctx context.Context, op string, out *[]any, method string, params ...any) error {
	if err := l.checkOpen(op); err != nil {
		return err
	}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, out, method, params...); err != nil {
		return classify(op, err)
	}
	return nil
}

func (l *Ledger) signingKey(ctx context.Context, op string, caller identity.Address) (*ecdsa.PrivateKey, error) {
	key, err := l.keys.LoadAddress(ctx, caller)
	if err != nil {
		e := errors.Rejected(errors.ReasonMissingCredential, op)
		e.Message = "no signing key for " + caller.Hex()
		e.Err = err
		return nil, e
	}
	return key.Keypair.PrivateKey(), nil
}

func (l *Ledger) estimate(ctx context.Context, op string, caller identity.Address, method string, params ...any) (uint64, []byte, error) {
	data, err := parsedABI.Pack(method, params...)
	if err != nil {
		return 0, nil, errors.Wrap(errors.KindInvalidInput, op, err)
	}
	to := l.opts.Contract
	gas, err := l.client.EstimateGas(ctx, geth.CallMsg{From: common.Address(caller), To: &to, Data: data})
	if err != nil {
		return 0, nil, classify(op, err)
	}
	return gas, data, nil
}

// transact estimates, enforces the cost ceiling, submits and waits for the
// receipt. A transaction that passed estimation but failed on chain is
// replayed at its block to recover the custom error.
func (l *Ledger) transact(ctx context.Context, op string, caller identity.Address, opts ledger.MutateOptions, method string, params ...any) (*ledger.Receipt, *types.Receipt, error) {
	if err := l.checkOpen(op); err != nil {
		return nil, nil, err
	}
	key, err := l.signingKey(ctx, op, caller)
	if err != nil {
		return nil, nil, err
	}

	gas, data, err := l.estimate(ctx, op, caller, method, params...)
	if err != nil {
		return nil, nil, err
	}
	if opts.CostCeiling > 0 && gas > opts.CostCeiling {
		e := errors.Rejected(errors.ReasonCostCeilingExceeded, op)
		e.Message = fmt.Sprintf("estimated gas %d exceeds ceiling %d", gas, opts.CostCeiling)
		return nil, nil, e
	}
	limit := gas + gas*l.opts.GasHeadroom/100
	if opts.CostCeiling > 0 && limit > opts.CostCeiling {
		limit = opts.CostCeiling
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, l.opts.ChainID)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindInternal, op, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.opts.TxTimeout)
	defer cancel()
	auth.Context = waitCtx
	auth.GasLimit = limit

	l.submitMu.Lock()
	tx, err := l.contract.Transact(auth, method, params...)
	l.submitMu.Unlock()
	if err != nil {
		return nil, nil, classify(op, err)
	}

	rcpt, err := bind.WaitMined(waitCtx, l.client, tx)
	if err != nil {
		return nil, nil, classify(op, err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		to := l.opts.Contract
		_, replayErr := l.client.CallContract(ctx, geth.CallMsg{
			From: common.Address(caller), To: &to, Data: data, Gas: limit,
		}, rcpt.BlockNumber)
		if replayErr != nil {
			return nil, nil, classify(op, replayErr)
		}
		return nil, nil, errors.New(errors.KindConflict, errors.ReasonNone, op,
			"transaction "+tx.Hash().Hex()+" reverted after a concurrent change")
	}
	if err := l.awaitConfirmations(waitCtx, rcpt.BlockNumber.Uint64()); err != nil {
		return nil, nil, classify(op, err)
	}

	r := &ledger.Receipt{TxRef: tx.Hash().Hex(), Cost: rcpt.GasUsed, At: time.Now().UTC()}
	if len(rcpt.Logs) > 0 {
		r.Position = PositionOf(rcpt.Logs[0].BlockNumber, rcpt.Logs[0].Index)
	} else {
		r.Position = PositionOf(rcpt.BlockNumber.Uint64(), 0)
	}
	return r, rcpt, nil
}

func (l *Ledger) awaitConfirmations(ctx context.Context, block uint64) error {
	if l.opts.Confirmations <= 1 {
		return nil
	}
	target := block + l.opts.Confirmations - 1
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()
	for {
		head, err := l.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		if head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func toCommon(addrs []identity.Address) []common.Address {
	out := make([]common.Address, len(addrs))
	for i, a := range addrs {
		out[i] = common.Address(a)
	}
	return out
}

func fromCommon(addrs []common.Address) []identity.Address {
	out := make([]identity.Address, len(addrs))
	for i, a := range addrs {
		out[i] = identity.Address(a)
	}
	return out
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

// CreateDocument implements ledger.Ledger.
func (l *Ledger) CreateDocument(ctx context.Context, caller identity.Address, id document.ID, signers []identity.Address, opts ledger.MutateOptions) (r *ledger.Receipt, err error) {
	const opName = "ledger.create"
	op, ctx := observability.StartOperation(ctx, l.opts.Metrics, opName, attribute.String("document", id.Hex()))
	defer func() { op.End(err) }()

	if len(signers) == 0 {
		return nil, errors.Rejected(errors.ReasonEmptySigners, opName)
	}
	r, _, err = l.transact(ctx, opName, caller, opts, "createDocument", [32]byte(id), toCommon(signers))
	if err != nil {
		return nil, err
	}
	if l.opts.Metrics != nil {
		l.opts.Metrics.DocumentsCreated.Inc()
	}
	return r, nil
}

// SignDocument implements ledger.Ledger.
func (l *Ledger) SignDocument(ctx context.Context, caller identity.Address, id document.ID, metadataRef string, opts ledger.MutateOptions) (r *ledger.Receipt, err error) {
	const opName = "ledger.sign"
	op, ctx := observability.StartOperation(ctx, l.opts.Metrics, opName,
		attribute.String("document", id.Hex()), attribute.String("signer", caller.Hex()))
	defer func() { op.End(err) }()

	r, _, err = l.transact(ctx, opName, caller, opts, "signDocument", [32]byte(id), metadataRef)
	if err != nil {
		return nil, err
	}
	if l.opts.Metrics != nil {
		l.opts.Metrics.SignaturesRecorded.Inc()
	}
	return r, nil
}

// RevokeDocument implements ledger.Ledger.
func (l *Ledger) RevokeDocument(ctx context.Context, caller identity.Address, id document.ID, opts ledger.MutateOptions) (r *ledger.Receipt, err error) {
	const opName = "ledger.revoke"
	op, ctx := observability.StartOperation(ctx, l.opts.Metrics, opName, attribute.String("document", id.Hex()))
	defer func() { op.End(err) }()

	r, rcpt, err := l.transact(ctx, opName, caller, opts, "revokeDocument", [32]byte(id))
	if err != nil {
		return nil, err
	}
	if l.opts.Metrics != nil && len(rcpt.Logs) > 0 {
		l.opts.Metrics.DocumentsRevoked.Inc()
	}
	return r, nil
}

// GetDocument implements ledger.Ledger.
func (l *Ledger) GetDocument(ctx context.Context, id document.ID) (*document.Document, error) {
	var out []any
	if err := l.call(ctx, "ledger.get_document", &out, "getDocument", [32]byte(id)); err != nil {
		return nil, err
	}
	return &document.Document{
		ID:        id,
		Creator:   identity.Address(out[0].(common.Address)),
		CreatedAt: unixTime(out[1].(*big.Int)),
		Active:    out[2].(bool),
		Signers:   fromCommon(out[3].([]common.Address)),
	}, nil
}

// IsFullySigned implements ledger.Ledger.
func (l *Ledger) IsFullySigned(ctx context.Context, id document.ID) (bool, error) {
	var out []any
	if err := l.call(ctx, "ledger.is_fully_signed", &out, "isFullySigned", [32]byte(id)); err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// GetSignature implements ledger.Ledger.
func (l *Ledger) GetSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Signature, error) {
	var out []any
	if err := l.call(ctx, "ledger.get_signature", &out, "getSignature", [32]byte(id), common.Address(signer)); err != nil {
		return nil, err
	}
	sig := &document.Signature{
		Signer:      signer,
		Signed:      out[0].(bool),
		MetadataRef: out[2].(string),
		Required:    out[3].(bool),
	}
	if sig.Signed {
		sig.SignedAt = unixTime(out[1].(*big.Int))
	}
	return sig, nil
}

// GetDocumentSigners implements ledger.Ledger.
func (l *Ledger) GetDocumentSigners(ctx context.Context, id document.ID) ([]identity.Address, error) {
	var out []any
	if err := l.call(ctx, "ledger.get_signers", &out, "getDocumentSigners", [32]byte(id)); err != nil {
		return nil, err
	}
	return fromCommon(out[0].([]common.Address)), nil
}

// GetUserDocuments implements ledger.Ledger.
func (l *Ledger) GetUserDocuments(ctx context.Context, creator identity.Address) ([]document.ID, error) {
	var out []any
	if err := l.call(ctx, "ledger.get_user_documents", &out, "getUserDocuments", common.Address(creator)); err != nil {
		return nil, err
	}
	raw := out[0].([][32]byte)
	ids := make([]document.ID, len(raw))
	for i, r := range raw {
		ids[i] = document.ID(r)
	}
	return ids, nil
}

// VerifyDocumentSignature implements ledger.Ledger.
func (l *Ledger) VerifyDocumentSignature(ctx context.Context, id document.ID, signer identity.Address) (*document.Verification, error) {
	var out []any
	if err := l.call(ctx, "ledger.verify", &out, "verifyDocumentSignature", [32]byte(id), common.Address(signer)); err != nil {
		return nil, err
	}
	v := &document.Verification{
		Found:  out[0].(bool),
		Valid:  out[1].(bool),
		Active: out[3].(bool),
	}
	if v.Valid {
		v.SignedAt = unixTime(out[2].(*big.Int))
	}
	return v, nil
}

// EstimateCost implements ledger.Ledger using eth_estimateGas.
func (l *Ledger) EstimateCost(ctx context.Context, caller identity.Address, call ledger.Call) (uint64, error) {
	const opName = "ledger.estimate"
	if err := l.checkOpen(opName); err != nil {
		return 0, err
	}
	var (
		gas uint64
		err error
	)
	switch call.Op {
	case ledger.OpCreate:
		if len(call.Signers) == 0 {
			return 0, errors.Rejected(errors.ReasonEmptySigners, opName)
		}
		gas, _, err = l.estimate(ctx, opName, caller, "createDocument", [32]byte(call.ID), toCommon(call.Signers))
	case ledger.OpSign:
		gas, _, err = l.estimate(ctx, opName, caller, "signDocument", [32]byte(call.ID), call.MetadataRef)
	case ledger.OpRevoke:
		gas, _, err = l.estimate(ctx, opName, caller, "revokeDocument", [32]byte(call.ID))
	default:
		return 0, errors.Newf(errors.KindInvalidInput, opName, "unknown operation %q", call.Op)
	}
	return gas, err
}

// Close implements ledger.Ledger.
func (l *Ledger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.client.Close()
	return nil
}
