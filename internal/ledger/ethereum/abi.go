package ethereum

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gezibash/arc-sign/pkg/errors"
)

// SignatureLedgerABI is the ABI of contracts/SignatureLedger.sol.
const SignatureLedgerABI = `[
  {"type":"function","name":"createDocument","stateMutability":"nonpayable",
   "inputs":[{"name":"documentId","type":"bytes32"},{"name":"signers","type":"address[]"}],"outputs":[]},
  {"type":"function","name":"signDocument","stateMutability":"nonpayable",
   "inputs":[{"name":"documentId","type":"bytes32"},{"name":"metadataRef","type":"string"}],"outputs":[]},
  {"type":"function","name":"revokeDocument","stateMutability":"nonpayable",
   "inputs":[{"name":"documentId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getDocument","stateMutability":"view",
   "inputs":[{"name":"documentId","type":"bytes32"}],
   "outputs":[{"name":"creator","type":"address"},{"name":"createdAt","type":"uint256"},
              {"name":"active","type":"bool"},{"name":"signers","type":"address[]"}]},
  {"type":"function","name":"isFullySigned","stateMutability":"view",
   "inputs":[{"name":"documentId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getSignature","stateMutability":"view",
   "inputs":[{"name":"documentId","type":"bytes32"},{"name":"signer","type":"address"}],
   "outputs":[{"name":"signed","type":"bool"},{"name":"signedAt","type":"uint256"},
              {"name":"metadataRef","type":"string"},{"name":"required","type":"bool"}]},
  {"type":"function","name":"getDocumentSigners","stateMutability":"view",
   "inputs":[{"name":"documentId","type":"bytes32"}],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"getUserDocuments","stateMutability":"view",
   "inputs":[{"name":"creator","type":"address"}],"outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"function","name":"verifyDocumentSignature","stateMutability":"view",
   "inputs":[{"name":"documentId","type":"bytes32"},{"name":"signer","type":"address"}],
   "outputs":[{"name":"found","type":"bool"},{"name":"isValid","type":"bool"},
              {"name":"signedAt","type":"uint256"},{"name":"documentActive","type":"bool"}]},
  {"type":"event","name":"DocumentCreated","anonymous":false,
   "inputs":[{"name":"documentId","type":"bytes32","indexed":true},
             {"name":"creator","type":"address","indexed":true},
             {"name":"signers","type":"address[]","indexed":false}]},
  {"type":"event","name":"DocumentSigned","anonymous":false,
   "inputs":[{"name":"documentId","type":"bytes32","indexed":true},
             {"name":"signer","type":"address","indexed":true},
             {"name":"metadataRef","type":"string","indexed":false}]},
  {"type":"event","name":"DocumentRevoked","anonymous":false,
   "inputs":[{"name":"documentId","type":"bytes32","indexed":true},
             {"name":"revoker","type":"address","indexed":true}]},
  {"type":"error","name":"DocumentExists","inputs":[{"name":"documentId","type":"bytes32"}]},
  {"type":"error","name":"DocumentMissing","inputs":[{"name":"documentId","type":"bytes32"}]},
  {"type":"error","name":"DocumentInactive","inputs":[{"name":"documentId","type":"bytes32"}]},
  {"type":"error","name":"EmptySigners","inputs":[]},
  {"type":"error","name":"NotAuthorized","inputs":[{"name":"documentId","type":"bytes32"},{"name":"caller","type":"address"}]},
  {"type":"error","name":"AlreadySigned","inputs":[{"name":"documentId","type":"bytes32"},{"name":"signer","type":"address"}]},
  {"type":"error","name":"NotCreator","inputs":[{"name":"documentId","type":"bytes32"},{"name":"caller","type":"address"}]}
]`

const (
	eventCreated = "DocumentCreated"
	eventSigned  = "DocumentSigned"
	eventRevoked = "DocumentRevoked"
)

var (
	parsedABI = mustParseABI()

	// errorReasons maps contract custom errors to lifecycle reasons.
	errorReasons = map[string]errors.Reason{
		"DocumentExists":   errors.ReasonDocumentExists,
		"DocumentMissing":  errors.ReasonDocumentMissing,
		"DocumentInactive": errors.ReasonDocumentInactive,
		"EmptySigners":     errors.ReasonEmptySigners,
		"NotAuthorized":    errors.ReasonNotAuthorized,
		"AlreadySigned":    errors.ReasonAlreadySigned,
		"NotCreator":       errors.ReasonNotCreator,
	}

	// selectorReasons is errorReasons keyed by 4-byte selector.
	selectorReasons = buildSelectorReasons()
)

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(SignatureLedgerABI))
	if err != nil {
		panic("ethereum: invalid SignatureLedger ABI: " + err.Error())
	}
	return parsed
}

func buildSelectorReasons() map[[4]byte]errors.Reason {
	out := make(map[[4]byte]errors.Reason, len(errorReasons))
	for name, reason := range errorReasons {
		e, ok := parsedABI.Errors[name]
		if !ok {
			panic("ethereum: ABI lacks error " + name)
		}
		var sel [4]byte
		copy(sel[:], e.ID[:4])
		out[sel] = reason
	}
	return out
}

// createdLog, signedLog and revokedLog receive unpacked event logs.
type createdLog struct {
	DocumentId [32]byte
	Creator    common.Address
	Signers    []common.Address
}

type signedLog struct {
	DocumentId  [32]byte
	Signer      common.Address
	MetadataRef string
}

type revokedLog struct {
	DocumentId [32]byte
	Revoker    common.Address
}
