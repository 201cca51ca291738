package ledger

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcutil/base58"

	"github.com/treesync/treesync/types"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the ledger.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (err RPCError) Error() string {
	const baseFormat = "RPC error %v - %s"
	if len(err.Data) > 0 && string(err.Data) != "null" {
		return fmt.Sprintf(baseFormat+": %s", err.Code, err.Message, err.Data)
	}
	return fmt.Sprintf(baseFormat, err.Code, err.Message)
}

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature types.Signature `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

// Failed reports whether the transaction failed on chain.
func (s SignatureInfo) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// SignaturesOpts are the paging options of getSignaturesForAddress. Zero
// signatures are omitted.
type SignaturesOpts struct {
	Before types.Signature
	Until  types.Signature
	Limit  int
}

// Account is the data of an account.
type Account struct {
	Lamports   uint64
	Owner      types.Pubkey
	Executable bool
	Data       []byte
}

type accountJSON struct {
	Lamports   uint64       `json:"lamports"`
	Owner      types.Pubkey `json:"owner"`
	Executable bool         `json:"executable"`
	Data       [2]string    `json:"data"`
}

func (a accountJSON) decode() (*Account, error) {
	if a.Data[1] != "base64" {
		return nil, fmt.Errorf("unexpected account encoding %q", a.Data[1])
	}
	data, err := base64.StdEncoding.DecodeString(a.Data[0])
	if err != nil {
		return nil, fmt.Errorf("decoding account data: %w", err)
	}
	return &Account{Lamports: a.Lamports, Owner: a.Owner, Executable: a.Executable, Data: data}, nil
}

// KeyedAccount is an account returned by getProgramAccounts.
type KeyedAccount struct {
	Pubkey  types.Pubkey
	Account *Account
}

// MemcmpFilter matches accounts whose data at Offset equals Bytes.
type MemcmpFilter struct {
	Offset int
	Bytes  []byte
}

func (f MemcmpFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"memcmp": map[string]interface{}{
			"offset": f.Offset,
			"bytes":  base58.Encode(f.Bytes),
		},
	})
}

//-----------------------------------------------------------------------------
// getTransaction, json encoding

type compiledInstructionJSON struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
	StackHeight    *int   `json:"stackHeight"`
}

type innerInstructionsJSON struct {
	Index        int                       `json:"index"`
	Instructions []compiledInstructionJSON `json:"instructions"`
}

// TransactionResult is the wire form of a fetched transaction.
type TransactionResult struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err               json.RawMessage         `json:"err"`
		InnerInstructions []innerInstructionsJSON `json:"innerInstructions"`
		LoadedAddresses   *struct {
			Writable []types.Pubkey `json:"writable"`
			Readonly []types.Pubkey `json:"readonly"`
		} `json:"loadedAddresses"`
	} `json:"meta"`
	Transaction struct {
		Signatures []types.Signature `json:"signatures"`
		Message    struct {
			AccountKeys  []types.Pubkey            `json:"accountKeys"`
			Instructions []compiledInstructionJSON `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// DecodeTransaction converts the wire form into a transaction whose account
// keys are resolved: static keys, then loaded writable, then loaded
// read-only addresses.
func DecodeTransaction(res *TransactionResult) (*types.Transaction, error) {
	if len(res.Transaction.Signatures) == 0 {
		return nil, fmt.Errorf("%w: transaction has no signatures", ErrDecode)
	}
	tx := &types.Transaction{
		Signature: res.Transaction.Signatures[0],
		Slot:      res.Slot,
	}
	if res.BlockTime != nil {
		tx.BlockTime = *res.BlockTime
	}

	msg := res.Transaction.Message
	tx.AccountKeys = append(tx.AccountKeys, msg.AccountKeys...)
	if res.Meta != nil {
		tx.Failed = len(res.Meta.Err) > 0 && string(res.Meta.Err) != "null"
		if la := res.Meta.LoadedAddresses; la != nil {
			tx.AccountKeys = append(tx.AccountKeys, la.Writable...)
			tx.AccountKeys = append(tx.AccountKeys, la.Readonly...)
		}
	}

	var err error
	if tx.Instructions, err = decodeInstructions(msg.Instructions); err != nil {
		return nil, err
	}
	if res.Meta != nil {
		for _, in := range res.Meta.InnerInstructions {
			ixs, err := decodeInstructions(in.Instructions)
			if err != nil {
				return nil, err
			}
			tx.InnerInstructions = append(tx.InnerInstructions, types.InnerInstructions{
				Index:        in.Index,
				Instructions: ixs,
			})
		}
	}
	return tx, nil
}

func decodeInstructions(in []compiledInstructionJSON) ([]types.CompiledInstruction, error) {
	out := make([]types.CompiledInstruction, 0, len(in))
	for i, ci := range in {
		data := base58.Decode(ci.Data)
		if len(data) == 0 && ci.Data != "" {
			return nil, fmt.Errorf("%w: instruction %d data is not base58", ErrDecode, i)
		}
		ix := types.CompiledInstruction{
			ProgramIDIndex: ci.ProgramIDIndex,
			Accounts:       ci.Accounts,
			Data:           data,
		}
		if ci.StackHeight != nil {
			ix.StackHeight = *ci.StackHeight
		}
		out = append(out, ix)
	}
	return out, nil
}
