package ethereum

import (
	"context"
	stderrors "errors"
	"net"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/gezibash/arc-sign/pkg/errors"
)

// JSON-RPC error codes used for classification.
const (
	codeExecutionReverted = 3
	codeInvalidRequest    = -32600
	codeInvalidParams     = -32602
	codeServerErrorFirst  = -32099
	codeServerErrorLast   = -32000
)

// ErrNoRevertData is wrapped when a call reverted without a recognised
// custom error.
var ErrNoRevertData = stderrors.New("execution reverted without a known custom error")

// revertSelector extracts the 4-byte selector from RPC error data.
func revertSelector(data any) ([4]byte, bool) {
	var sel [4]byte
	var raw []byte
	switch d := data.(type) {
	case string:
		b, err := hexutil.Decode(d)
		if err != nil {
			return sel, false
		}
		raw = b
	case []byte:
		raw = d
	default:
		return sel, false
	}
	if len(raw) < 4 {
		return sel, false
	}
	copy(sel[:], raw[:4])
	return sel, true
}

// classify turns a node or transport failure into a typed error. Revert
// data is decoded by selector; transport failures and timeouts are
// upstream unavailability. Message text is never inspected.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return errors.Wrap(typed.Kind, op, err)
	}

	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		if sel, ok := revertSelector(dataErr.ErrorData()); ok {
			if reason, ok := selectorReasons[sel]; ok {
				e := errors.Rejected(reason, op)
				e.Err = err
				return e
			}
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Wrap(errors.KindUpstreamUnavailable, op, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.Wrap(errors.KindUpstreamUnavailable, op, err)
	}
	var httpErr rpc.HTTPError
	if stderrors.As(err, &httpErr) {
		return errors.Wrap(errors.KindUpstreamUnavailable, op, err)
	}

	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) {
		switch code := rpcErr.ErrorCode(); {
		case code == codeExecutionReverted:
			return &errors.Error{Kind: errors.KindInternal, Op: op, Err: stderrors.Join(ErrNoRevertData, err)}
		case code == codeInvalidParams || code == codeInvalidRequest:
			return errors.Wrap(errors.KindInvalidInput, op, err)
		case code >= codeServerErrorFirst && code <= codeServerErrorLast:
			// Node-side rejections such as nonce or balance problems.
			return errors.Wrap(errors.KindConflict, op, err)
		}
	}

	return errors.Wrap(errors.KindUpstreamUnavailable, op, err)
}
