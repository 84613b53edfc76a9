package registry

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	methodRegister = "registerTool"
	methodUpdate   = "updateToolMetadata"
	methodTransfer = "transferToolOwnership"
)

// ErrUnrecognizedCall is returned when a transaction calls a registry method
// that does not carry a tool name the indexer can trust.
var ErrUnrecognizedCall = errors.New("unrecognized registry call")

// ToolCall is the decoded input of a registry transaction.
type ToolCall struct {
	Method       string
	Name         string
	MetadataHash common.Hash
	HasMetadata  bool
}

// NameHash returns the hash the contract emits for the call's name topic.
func (c ToolCall) NameHash() common.Hash {
	return NameHash(c.Name)
}

// NameHash computes the indexed topic value of a tool name.
func NameHash(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(name))
}

// DecodeCall decodes transaction input data against the registry ABI.
func (c *Contract) DecodeCall(input []byte) (ToolCall, error) {
	if len(input) < 4 {
		return ToolCall{}, fmt.Errorf("input too short: %d bytes", len(input))
	}

	method, err := c.abi.MethodById(input[:4])
	if err != nil {
		return ToolCall{}, fmt.Errorf("lookup method: %w", err)
	}

	switch method.Name {
	case methodRegister, methodUpdate, methodTransfer:
	default:
		return ToolCall{}, fmt.Errorf("%w: %s", ErrUnrecognizedCall, method.Name)
	}

	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return ToolCall{}, fmt.Errorf("unpack %s: %w", method.Name, err)
	}
	if len(args) == 0 {
		return ToolCall{}, fmt.Errorf("%s: no arguments", method.Name)
	}

	name, ok := args[0].(string)
	if !ok {
		return ToolCall{}, fmt.Errorf("%s: name has type %T", method.Name, args[0])
	}

	call := ToolCall{Method: method.Name, Name: name}
	if method.Name == methodRegister || method.Name == methodUpdate {
		if len(args) < 6 {
			return ToolCall{}, fmt.Errorf("%s: expected 6 arguments, got %d", method.Name, len(args))
		}
		metadataHash, err := asHash(args[5])
		if err != nil {
			return ToolCall{}, fmt.Errorf("%s metadata hash: %w", method.Name, err)
		}
		call.MetadataHash = metadataHash
		call.HasMetadata = true
	}

	return call, nil
}
