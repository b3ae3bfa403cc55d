package contract

import (
	"errors"
	"testing"

	"github.com/harbor/marks-engine/internal/model"
)

func TestParseType_Valid(t *testing.T) {
	tests := []struct {
		in   string
		want model.ContractType
	}{
		{"Genesis", model.ContractGenesis},
		{"genesis", model.ContractGenesis},
		{"StabilityPoolCollateral", model.ContractStabilityPoolCollateral},
		{"stability_pool_collateral", model.ContractStabilityPoolCollateral},
		{"stability-pool-sail", model.ContractStabilityPoolSail},
		{"StabilityPoolLeveraged", model.ContractStabilityPoolSail},
		{"SailTokenHolding", model.ContractSailTokenHolding},
		{"ha_token_holding", model.ContractHaTokenHolding},
		{"Unknown", model.ContractUnknown},
		{"", model.ContractUnknown},
	}

	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if err != nil {
			t.Errorf("ParseType(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseType_Invalid(t *testing.T) {
	_, err := ParseType("LiquidityMining")
	if !errors.Is(err, ErrInvalidContractType) {
		t.Errorf("expected ErrInvalidContractType, got %v", err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("  0xAbCdEf0123456789aBcDeF0123456789AbCdEf01 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "0xabcdef0123456789abcdef0123456789abcdef01"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNormalizeAddress_Invalid(t *testing.T) {
	for _, in := range []string{"", "0x123", "not-an-address", "0xZZcdef0123456789abcdef0123456789abcdef01"} {
		if _, err := NormalizeAddress(in); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("NormalizeAddress(%q): expected ErrInvalidAddress, got %v", in, err)
		}
	}
}

func TestCanonicalAddress_Lenient(t *testing.T) {
	if got := CanonicalAddress(" UserOne "); got != "userone" {
		t.Errorf("got %q, want %q", got, "userone")
	}
}

func TestAddressSet_CaseInsensitive(t *testing.T) {
	s := NewAddressSet("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "")
	if len(s) != 1 {
		t.Fatalf("expected 1 member, got %d", len(s))
	}
	if !s.Contains("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa") {
		t.Error("lowercase form should be a member")
	}
	if s.Contains("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb") {
		t.Error("unrelated address should not be a member")
	}
	var empty AddressSet
	if empty.Contains("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa") {
		t.Error("nil set should contain nothing")
	}
}
