package registry

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const registryABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "string", "name": "name", "type": "string"},
      {"indexed": true, "internalType": "address", "name": "publisher", "type": "address"},
      {"indexed": false, "internalType": "uint32", "name": "major", "type": "uint32"},
      {"indexed": false, "internalType": "uint32", "name": "minor", "type": "uint32"},
      {"indexed": false, "internalType": "uint32", "name": "patch", "type": "uint32"},
      {"indexed": false, "internalType": "bytes32", "name": "contentHash", "type": "bytes32"},
      {"indexed": false, "internalType": "uint256", "name": "timestamp", "type": "uint256"}
    ],
    "name": "ToolRegistered",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "string", "name": "name", "type": "string"},
      {"indexed": true, "internalType": "address", "name": "publisher", "type": "address"},
      {"indexed": false, "internalType": "uint32", "name": "major", "type": "uint32"},
      {"indexed": false, "internalType": "uint32", "name": "minor", "type": "uint32"},
      {"indexed": false, "internalType": "uint32", "name": "patch", "type": "uint32"},
      {"indexed": false, "internalType": "bytes32", "name": "contentHash", "type": "bytes32"},
      {"indexed": false, "internalType": "uint256", "name": "timestamp", "type": "uint256"}
    ],
    "name": "ToolUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "string", "name": "name", "type": "string"},
      {"indexed": true, "internalType": "address", "name": "previousOwner", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "newOwner", "type": "address"}
    ],
    "name": "ToolOwnershipTransferred",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "name", "type": "string"},
      {"internalType": "uint32", "name": "major", "type": "uint32"},
      {"internalType": "uint32", "name": "minor", "type": "uint32"},
      {"internalType": "uint32", "name": "patch", "type": "uint32"},
      {"internalType": "bytes32", "name": "contentHash", "type": "bytes32"},
      {"internalType": "bytes32", "name": "metadataHash", "type": "bytes32"}
    ],
    "name": "registerTool",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "name", "type": "string"},
      {"internalType": "uint32", "name": "major", "type": "uint32"},
      {"internalType": "uint32", "name": "minor", "type": "uint32"},
      {"internalType": "uint32", "name": "patch", "type": "uint32"},
      {"internalType": "bytes32", "name": "contentHash", "type": "bytes32"},
      {"internalType": "bytes32", "name": "metadataHash", "type": "bytes32"}
    ],
    "name": "updateToolMetadata",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "name", "type": "string"},
      {"internalType": "address", "name": "newOwner", "type": "address"}
    ],
    "name": "transferToolOwnership",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "name", "type": "string"}
    ],
    "name": "renounceToolOwnership",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "name", "type": "string"}
    ],
    "name": "ownerOf",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	registryABI     abi.ABI
	registryABIOnce sync.Once
	registryABIErr  error
)

// RegistryABI returns the parsed tool registry ABI.
func RegistryABI() (abi.ABI, error) {
	registryABIOnce.Do(func() {
		registryABI, registryABIErr = abi.JSON(strings.NewReader(registryABIJSON))
	})
	return registryABI, registryABIErr
}

// LoadABI reads a registry ABI from a JSON file. An empty path returns the
// built-in ABI.
func LoadABI(path string) (abi.ABI, error) {
	if path == "" {
		return RegistryABI()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read abi %s: %w", path, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi %s: %w", path, err)
	}
	if err := validateABI(parsed); err != nil {
		return abi.ABI{}, fmt.Errorf("abi %s: %w", path, err)
	}
	return parsed, nil
}

func validateABI(parsed abi.ABI) error {
	for _, name := range []string{eventRegistered, eventUpdated, eventOwnership} {
		if _, ok := parsed.Events[name]; !ok {
			return fmt.Errorf("missing event %s", name)
		}
	}
	for _, name := range []string{methodRegister, methodUpdate, methodTransfer} {
		if _, ok := parsed.Methods[name]; !ok {
			return fmt.Errorf("missing method %s", name)
		}
	}
	return nil
}
