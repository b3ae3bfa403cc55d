// Package contract handles contract-type names and EVM address
// normalization for the marks engine.
package contract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/harbor/marks-engine/internal/model"
)

var (
	ErrInvalidAddress      = errors.New("contract: invalid address")
	ErrInvalidContractType = errors.New("contract: unsupported contract type")
)

// typeNames maps a squashed spelling (lowercase, no separators) to its type.
// Both the indexer's PascalCase names and our snake_case names are accepted.
var typeNames = map[string]model.ContractType{
	"genesis":                 model.ContractGenesis,
	"stabilitypoolcollateral": model.ContractStabilityPoolCollateral,
	"stabilitypoolsail":       model.ContractStabilityPoolSail,
	"stabilitypoolleveraged":  model.ContractStabilityPoolSail,
	"sailtokenholding":        model.ContractSailTokenHolding,
	"hatokenholding":          model.ContractHaTokenHolding,
	"unknown":                 model.ContractUnknown,
}

// AllTypes lists every contract type in registry order.
var AllTypes = []model.ContractType{
	model.ContractGenesis,
	model.ContractStabilityPoolCollateral,
	model.ContractStabilityPoolSail,
	model.ContractSailTokenHolding,
	model.ContractHaTokenHolding,
	model.ContractUnknown,
}

// ParseType parses a contract type name. Empty input is Unknown.
func ParseType(s string) (model.ContractType, error) {
	squashed := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	if squashed == "" {
		return model.ContractUnknown, nil
	}
	t, ok := typeNames[squashed]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidContractType, s)
	}
	return t, nil
}

// NormalizeAddress validates a hex address and returns it lowercased with
// its 0x prefix.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// CanonicalAddress is the lenient form used as a map key: valid hex
// addresses are normalized, anything else is only trimmed and lowercased.
func CanonicalAddress(addr string) string {
	if n, err := NormalizeAddress(addr); err == nil {
		return n
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

// AddressSet is a case-insensitive set of addresses.
type AddressSet map[string]struct{}

// NewAddressSet builds a set from the given addresses.
func NewAddressSet(addrs ...string) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		if strings.TrimSpace(a) == "" {
			continue
		}
		s[CanonicalAddress(a)] = struct{}{}
	}
	return s
}

// Contains reports whether addr is in the set, ignoring case.
func (s AddressSet) Contains(addr string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[CanonicalAddress(addr)]
	return ok
}

// Slice returns the members in no particular order.
func (s AddressSet) Slice() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	return out
}
