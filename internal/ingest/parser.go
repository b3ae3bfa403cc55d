package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/contract"
	"github.com/harbor/marks-engine/internal/model"
)

var ErrInvalidEvent = errors.New("ingest: invalid event")

// eventNamespace seeds ids derived from payloads that carry none, so a
// redelivered message maps to the same id.
var eventNamespace = uuid.MustParse("6f1c7f0e-2d3b-4b8e-9a57-3f6d0b7c9e21")

// eventJSON is the wire format published by the indexer. Field names use
// snake_case to match upstream producers.
type eventJSON struct {
	ID              string              `json:"id"`
	ContractAddress string              `json:"contract_address"`
	ContractType    string              `json:"contract_type"`
	UserAddress     string              `json:"user_address"`
	Kind            string              `json:"kind"`
	UsdAmount       decimal.NullDecimal `json:"usd_amount"`
	Timestamp       int64               `json:"timestamp"`
}

// ParseEvent decodes and validates one event. A missing usd_amount is kept
// as unpriced; the processor rejects it so the feed can retry.
func ParseEvent(data []byte) (model.Event, error) {
	var j eventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return j.toEvent(data)
}

// ParseEvents decodes a single event object or a JSON array of them.
func ParseEvents(data []byte) ([]model.Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		ev, err := ParseEvent(trimmed)
		if err != nil {
			return nil, err
		}
		return []model.Event{ev}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	events := make([]model.Event, 0, len(raw))
	for i, r := range raw {
		ev, err := ParseEvent(r)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (j eventJSON) toEvent(data []byte) (model.Event, error) {
	contractAddr, err := contract.NormalizeAddress(j.ContractAddress)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: contract_address: %v", ErrInvalidEvent, err)
	}
	user, err := contract.NormalizeAddress(j.UserAddress)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: user_address: %v", ErrInvalidEvent, err)
	}
	t, err := contract.ParseType(j.ContractType)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	kind, err := ParseKind(j.Kind)
	if err != nil {
		return model.Event{}, err
	}
	if j.Timestamp < 0 {
		return model.Event{}, fmt.Errorf("%w: negative timestamp", ErrInvalidEvent)
	}

	id := strings.TrimSpace(j.ID)
	if id == "" {
		id = uuid.NewSHA1(eventNamespace, data).String()
	}

	return model.Event{
		ID:              id,
		ContractAddress: contractAddr,
		ContractType:    t,
		UserAddress:     user,
		Kind:            kind,
		UsdAmount:       j.UsdAmount,
		Timestamp:       j.Timestamp,
	}, nil
}

// ParseKind accepts the indexer's PascalCase names and snake_case.
func ParseKind(s string) (model.EventKind, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "deposit":
		return model.EventDeposit, nil
	case "withdrawal", "withdraw":
		return model.EventWithdrawal, nil
	case "balancechanged", "balancechange", "transfer":
		return model.EventBalanceChanged, nil
	default:
		return "", fmt.Errorf("%w: kind %q", ErrInvalidEvent, s)
	}
}
