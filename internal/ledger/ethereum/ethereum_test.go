package ethereum

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/gezibash/arc-sign/internal/keyring"
	"github.com/gezibash/arc-sign/internal/ledger"
	"github.com/gezibash/arc-sign/internal/storage"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
	"github.com/gezibash/arc-sign/pkg/identity"
)

// revertError mimics the JSON-RPC error go-ethereum returns for a revert.
type revertError struct {
	code int
	data any
}

func (e *revertError) Error() string { return "execution reverted" }
func (e *revertError) ErrorCode() int { return e.code }
func (e *revertError) ErrorData() any { return e.data }

var (
	_ rpc.DataError = (*revertError)(nil)
	_ rpc.Error     = (*revertError)(nil)
)

type codeError struct{ code int }

func (e *codeError) Error() string  { return fmt.Sprintf("rpc error %d", e.code) }
func (e *codeError) ErrorCode() int { return e.code }

// nopClient satisfies Client; tests only reach code paths that never call
// it.
type nopClient struct{ Client }

type noKeys struct{}

func (noKeys) LoadAddress(context.Context, identity.Address) (*keyring.Key, error) {
	return nil, keyring.ErrNotFound
}

func revertData(t *testing.T, name string, args ...any) string {
	t.Helper()
	e, ok := parsedABI.Errors[name]
	if !ok {
		t.Fatalf("no error %s in ABI", name)
	}
	packed, err := e.Inputs.Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return hexutil.Encode(append(e.ID[:4:4], packed...))
}

func TestClassifyCustomErrors(t *testing.T) {
	id := [32]byte(document.Compute([]byte("doc")))
	who := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tests := []struct {
		name   string
		data   string
		kind   errors.Kind
		reason errors.Reason
	}{
		{"DocumentExists", revertData(t, "DocumentExists", id), errors.KindConflict, errors.ReasonDocumentExists},
		{"DocumentMissing", revertData(t, "DocumentMissing", id), errors.KindNotFound, errors.ReasonDocumentMissing},
		{"DocumentInactive", revertData(t, "DocumentInactive", id), errors.KindConflict, errors.ReasonDocumentInactive},
		{"EmptySigners", revertData(t, "EmptySigners"), errors.KindInvalidInput, errors.ReasonEmptySigners},
		{"NotAuthorized", revertData(t, "NotAuthorized", id, who), errors.KindUnauthorized, errors.ReasonNotAuthorized},
		{"AlreadySigned", revertData(t, "AlreadySigned", id, who), errors.KindConflict, errors.ReasonAlreadySigned},
		{"NotCreator", revertData(t, "NotCreator", id, who), errors.KindUnauthorized, errors.ReasonNotCreator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("ledger.sign", &revertError{code: codeExecutionReverted, data: tt.data})
			if got := errors.KindOf(err); got != tt.kind {
				t.Errorf("kind = %s, want %s", got, tt.kind)
			}
			if got := errors.ReasonOf(err); got != tt.reason {
				t.Errorf("reason = %s, want %s", got, tt.reason)
			}
		})
	}
}

func TestClassifyIgnoresMessageText(t *testing.T) {
	// Text that a substring matcher would have taken for a known failure.
	err := classify("ledger.sign", stderrors.New("insufficient funds: nonce too low: reverted"))
	if got := errors.KindOf(err); got != errors.KindUpstreamUnavailable {
		t.Errorf("kind = %s, want upstream_unavailable", got)
	}
}

func TestClassifyOther(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind errors.Kind
	}{
		{"unknown selector", &revertError{code: codeExecutionReverted, data: "0xdeadbeef"}, errors.KindInternal},
		{"short data", &revertError{code: codeExecutionReverted, data: "0x01"}, errors.KindInternal},
		{"deadline", context.DeadlineExceeded, errors.KindUpstreamUnavailable},
		{"wrapped deadline", fmt.Errorf("wait mined: %w", context.DeadlineExceeded), errors.KindUpstreamUnavailable},
		{"http", rpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway"}, errors.KindUpstreamUnavailable},
		{"invalid params", &codeError{code: codeInvalidParams}, errors.KindInvalidInput},
		{"server error", &codeError{code: -32000}, errors.KindConflict},
		{"typed passthrough", errors.Rejected(errors.ReasonNotCreator, "x"), errors.KindUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.KindOf(classify("op", tt.err)); got != tt.kind {
				t.Errorf("kind = %s, want %s", got, tt.kind)
			}
		})
	}
	if classify("op", nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestSelectorsCoverEveryCustomError(t *testing.T) {
	if len(selectorReasons) != len(parsedABI.Errors) {
		t.Errorf("%d selectors for %d ABI errors", len(selectorReasons), len(parsedABI.Errors))
	}
}

func TestPackCalls(t *testing.T) {
	id := [32]byte(document.Compute([]byte("doc")))
	signers := toCommon([]identity.Address{{1}, {2}})

	for _, tc := range []struct {
		method string
		args   []any
	}{
		{"createDocument", []any{id, signers}},
		{"signDocument", []any{id, "ref"}},
		{"revokeDocument", []any{id}},
		{"getSignature", []any{id, signers[0]}},
		{"verifyDocumentSignature", []any{id, signers[1]}},
		{"getUserDocuments", []any{signers[0]}},
	} {
		data, err := parsedABI.Pack(tc.method, tc.args...)
		if err != nil {
			t.Errorf("Pack(%s): %v", tc.method, err)
			continue
		}
		m, err := parsedABI.MethodById(data[:4])
		if err != nil || m.Name != tc.method {
			t.Errorf("selector of %s resolves to %v (%v)", tc.method, m, err)
		}
	}
}

func TestPositionOf(t *testing.T) {
	if PositionOf(1, 0) <= PositionOf(0, 1<<logIndexBits-1) {
		t.Error("later block must sort after every log of an earlier block")
	}
	if PositionOf(7, 3) >= PositionOf(7, 4) {
		t.Error("log index must order positions within a block")
	}
	if got := PositionOf(2, 5); got != document.Position(2<<20|5) {
		t.Errorf("PositionOf(2, 5) = %d", got)
	}
}

func TestDecodeLogs(t *testing.T) {
	l := New(nopClient{}, noKeys{}, Options{})
	id := document.Compute([]byte("doc"))
	signer := identity.Address{0xAB}

	ev := parsedABI.Events[eventSigned]
	data, err := ev.Inputs.NonIndexed().Pack("meta-ref")
	if err != nil {
		t.Fatal(err)
	}
	lg := types.Log{
		Topics:      []common.Hash{ev.ID, common.Hash(id), common.BytesToHash(signer[:])},
		Data:        data,
		BlockNumber: 12,
		Index:       3,
		TxHash:      common.HexToHash("0x01"),
	}

	got, ok := l.decodeLog(watch{kind: document.EventSigned, name: eventSigned}, lg)
	if !ok {
		t.Fatal("decodeLog failed")
	}
	if got.Kind != document.EventSigned || got.DocumentID != id || got.Actor != signer {
		t.Errorf("event = %+v", got)
	}
	if got.Position != PositionOf(12, 3) {
		t.Errorf("position = %d", got.Position)
	}

	created := parsedABI.Events[eventCreated]
	data, err = created.Inputs.NonIndexed().Pack([]common.Address{common.Address(signer)})
	if err != nil {
		t.Fatal(err)
	}
	lg = types.Log{Topics: []common.Hash{created.ID, common.Hash(id), common.BytesToHash(signer[:])}, Data: data}
	got, ok = l.decodeLog(watch{kind: document.EventCreated, name: eventCreated}, lg)
	if !ok || got.Actor != signer || got.DocumentID != id {
		t.Errorf("created event = %+v, ok=%v", got, ok)
	}

	// Mismatched event signature is rejected.
	if _, ok := l.decodeLog(watch{kind: document.EventRevoked, name: eventRevoked}, lg); ok {
		t.Error("decoded a DocumentCreated log as DocumentRevoked")
	}
}

func TestMissingKeyIsUnauthorized(t *testing.T) {
	l := New(nopClient{}, noKeys{}, Options{})
	_, err := l.SignDocument(context.Background(), identity.Address{1}, document.Compute([]byte("x")), "", ledger.MutateOptions{})
	if errors.ReasonOf(err) != errors.ReasonMissingCredential || errors.KindOf(err) != errors.KindUnauthorized {
		t.Errorf("err = %v", err)
	}
}

func TestCreateRequiresSigners(t *testing.T) {
	l := New(nopClient{}, noKeys{}, Options{})
	_, err := l.CreateDocument(context.Background(), identity.Address{1}, document.Compute([]byte("x")), nil, ledger.MutateOptions{})
	if errors.ReasonOf(err) != errors.ReasonEmptySigners {
		t.Errorf("err = %v", err)
	}
}

func TestOpenConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]string
		field  string
	}{
		{"missing contract", map[string]string{KeyRPCURL: "http://127.0.0.1:1"}, KeyContractAddress},
		{"bad contract", map[string]string{KeyContractAddress: "0x1234"}, KeyContractAddress},
		{"bad confirmations", map[string]string{KeyContractAddress: "0x" + fmt.Sprintf("%040x", 1), KeyConfirmations: "-1"}, KeyConfirmations},
		{"bad timeout", map[string]string{KeyContractAddress: "0x" + fmt.Sprintf("%040x", 1), KeyTxTimeout: "whenever"}, KeyTxTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Open(context.Background(), ledger.Config{Backend: "ethereum", Config: tt.config}, nil)
			var cfgErr *storage.ConfigError
			if !stderrors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}
