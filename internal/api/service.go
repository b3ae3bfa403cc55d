// Package api provides the HTTP handlers for submitting ledger events and
// querying entries, user totals, rules and the leaderboard.
//
// All USD and marks values use shopspring/decimal and are encoded as JSON
// strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/accrual"
	"github.com/harbor/marks-engine/internal/contract"
	"github.com/harbor/marks-engine/internal/ingest"
	"github.com/harbor/marks-engine/internal/leaderboard"
	"github.com/harbor/marks-engine/internal/ledger"
	"github.com/harbor/marks-engine/internal/model"
	"github.com/harbor/marks-engine/internal/rules"
	"github.com/harbor/marks-engine/internal/store"
)

// maxBody caps request bodies, batches included.
const maxBody = 4 << 20

// Service serves the marks API.
type Service struct {
	store     store.Store
	registry  *rules.Registry
	processor *ledger.Processor
	cache     *leaderboard.SnapshotCache
	now       func() time.Time
}

// NewService creates the API service. Pass a non-nil hub to broadcast
// every entry the processor writes.
func NewService(st store.Store, reg *rules.Registry, proc *ledger.Processor, cache *leaderboard.SnapshotCache, hub *WSHub) *Service {
	if hub != nil {
		proc.Subscribe(func(e model.LedgerEntry) {
			hub.Broadcast(EntryMessage(e))
		})
	}
	return &Service{
		store:     st,
		registry:  reg,
		processor: proc,
		cache:     cache,
		now:       time.Now,
	}
}

// Routes mounts the handlers under r. The WebSocket endpoint is added when
// hub is non-nil.
func (s *Service) Routes(r chi.Router, hub *WSHub) {
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	r.Post("/events", s.SubmitEvents)

	r.Get("/entries/{contract}/{user}", s.GetEntry)
	r.Get("/entries/{contract}/{user}/estimate", s.EstimateEntry)
	r.Get("/users/{user}/entries", s.ListUserEntries)
	r.Get("/users/{user}/marks", s.GetUserMarks)

	r.Get("/leaderboard", s.GetLeaderboard)
	r.Post("/leaderboard", s.PostLeaderboard)

	r.Get("/rules", s.ListRules)
	r.Put("/rules", s.UpdateRule)
}

// --- Request/Response types ---

// EstimateResponse is returned from the estimate endpoint.
type EstimateResponse struct {
	Entry          model.LedgerEntry `json:"entry"`
	AsOf           int64             `json:"as_of"`
	EstimatedMarks decimal.Decimal   `json:"estimated_marks"`
	MarksPerDay    decimal.Decimal   `json:"marks_per_day"`
}

// UserMarks is a user's projected marks across every contract.
type UserMarks struct {
	UserAddress string          `json:"user_address"`
	AsOf        int64           `json:"as_of"`
	TotalMarks  decimal.Decimal `json:"total_marks"`
	MarksPerDay decimal.Decimal `json:"marks_per_day"`
	Entries     []EntryMarks    `json:"entries"`
}

// EntryMarks is one contract's share of a UserMarks total.
type EntryMarks struct {
	ContractAddress string             `json:"contract_address"`
	ContractType    model.ContractType `json:"contract_type"`
	DepositUsd      decimal.Decimal    `json:"deposit_usd"`
	Marks           decimal.Decimal    `json:"marks"`
	MarksPerDay     decimal.Decimal    `json:"marks_per_day"`
}

// LeaderboardRequest is the JSON body for POST /leaderboard. Snapshots
// without a rule get the registry rule for their category.
type LeaderboardRequest struct {
	Sources        model.Sources `json:"sources"`
	KnownContracts []string      `json:"known_contracts"`
	SortBy         string        `json:"sort_by"`
	Direction      string        `json:"direction"`
	AsOf           *int64        `json:"as_of"`
}

// LeaderboardResponse is one ranked page.
type LeaderboardResponse struct {
	AsOf      int64                  `json:"as_of"`
	SortBy    leaderboard.SortKey    `json:"sort_by"`
	Direction leaderboard.Direction  `json:"direction"`
	Total     int                    `json:"total"`
	Rows      []model.LeaderboardRow `json:"rows"`
}

// EventResult is the outcome of one event in a batch.
type EventResult struct {
	ID     string             `json:"id"`
	Status string             `json:"status"`
	Error  string             `json:"error,omitempty"`
	Entry  *model.LedgerEntry `json:"entry,omitempty"`
}

// --- HTTP Handlers ---

// SubmitEvents handles POST /api/v1/events
// A single object is applied directly and answered with its entry. An array
// is applied as a batch and answered with one result per event.
func (s *Service) SubmitEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	events, err := ingest.ParseEvents(body)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if !isArray(body) {
		entry, err := s.processor.Apply(ctx, events[0])
		if err != nil {
			writeError(w, err.Error(), statusOf(err))
			return
		}
		writeJSON(w, http.StatusOK, entry)
		return
	}

	errs := s.processor.ApplyBatch(ctx, events)
	results := make([]EventResult, len(events))
	applied := 0
	for i, ev := range events {
		results[i] = EventResult{ID: ev.ID, Status: "applied"}
		if errs[i] != nil {
			results[i].Status = "rejected"
			results[i].Error = errs[i].Error()
			continue
		}
		applied++
		if e, err := s.store.GetEntry(ctx, contract.CanonicalAddress(ev.ContractAddress), contract.CanonicalAddress(ev.UserAddress)); err == nil {
			results[i].Entry = e
		}
	}

	slog.Info("event batch applied", "events", len(events), "applied", applied)
	writeJSON(w, http.StatusOK, results)
}

// GetEntry handles GET /api/v1/entries/{contract}/{user}
func (s *Service) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// EstimateEntry handles GET /api/v1/entries/{contract}/{user}/estimate
// Projects the entry to ?as_of=<unix seconds>, default now, without
// writing it.
func (s *Service) EstimateEntry(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry, ok := s.entry(w, r)
	if !ok {
		return
	}
	rule, err := s.registry.GetOrCreateRule(r.Context(), entry.ContractAddress, entry.ContractType)
	if err != nil {
		writeError(w, "failed to resolve rule", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, EstimateResponse{
		Entry:          *entry,
		AsOf:           asOf,
		EstimatedMarks: accrual.Estimate(*entry, rule, asOf),
		MarksPerDay:    accrual.ActiveMarksPerDay(*entry, rule, asOf),
	})
}

// ListUserEntries handles GET /api/v1/users/{user}/entries
func (s *Service) ListUserEntries(w http.ResponseWriter, r *http.Request) {
	user, err := contract.NormalizeAddress(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.store.ListEntriesByUser(r.Context(), user)
	if err != nil {
		writeError(w, "failed to list entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetUserMarks handles GET /api/v1/users/{user}/marks
// Sums the user's projected marks over every contract at ?as_of=.
func (s *Service) GetUserMarks(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, err := contract.NormalizeAddress(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	entries, err := s.store.ListEntriesByUser(ctx, user)
	if err != nil {
		writeError(w, "failed to list entries", http.StatusInternalServerError)
		return
	}

	resp := UserMarks{
		UserAddress: user,
		AsOf:        asOf,
		TotalMarks:  decimal.Zero,
		MarksPerDay: decimal.Zero,
		Entries:     make([]EntryMarks, 0, len(entries)),
	}
	for _, e := range entries {
		rule, err := s.registry.GetOrCreateRule(ctx, e.ContractAddress, e.ContractType)
		if err != nil {
			writeError(w, "failed to resolve rule", http.StatusInternalServerError)
			return
		}
		em := EntryMarks{
			ContractAddress: e.ContractAddress,
			ContractType:    e.ContractType,
			DepositUsd:      e.CurrentDepositUsd,
			Marks:           accrual.Estimate(e, rule, asOf),
			MarksPerDay:     accrual.ActiveMarksPerDay(e, rule, asOf),
		}
		resp.TotalMarks = resp.TotalMarks.Add(em.Marks)
		resp.MarksPerDay = resp.MarksPerDay.Add(em.MarksPerDay)
		resp.Entries = append(resp.Entries, em)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetLeaderboard handles GET /api/v1/leaderboard
// Query: sort_by, direction, limit, as_of. Without as_of the cached board
// is served.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sortBy, dir, err := leaderboard.ParseSort(q.Get("sort_by"), q.Get("direction"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var board *leaderboard.Board
	if q.Get("as_of") == "" {
		board, err = s.cache.Current(r.Context(), sortBy, dir)
	} else {
		var asOf int64
		if asOf, err = s.asOf(r); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		board, err = s.cache.BuildAt(r.Context(), sortBy, dir, asOf)
	}
	if err != nil {
		writeError(w, "failed to build leaderboard", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, page(board.AsOf, sortBy, dir, board.Rows, limit))
}

// PostLeaderboard handles POST /api/v1/leaderboard
// Ranks caller-supplied snapshots. Known contracts in the body are excluded
// along with the configured ones.
func (s *Service) PostLeaderboard(w http.ResponseWriter, r *http.Request) {
	var req LeaderboardRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sortBy, dir, err := leaderboard.ParseSort(req.SortBy, req.Direction)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	asOf := s.now().Unix()
	if req.AsOf != nil {
		if *req.AsOf < 0 {
			writeError(w, "as_of must not be negative", http.StatusBadRequest)
			return
		}
		asOf = *req.AsOf
	}

	if err := leaderboard.ResolveRules(r.Context(), s.registry, &req.Sources); err != nil {
		writeError(w, "failed to resolve rules", http.StatusInternalServerError)
		return
	}

	known := contract.NewAddressSet(req.KnownContracts...)
	for _, a := range s.cache.Known().Slice() {
		known[a] = struct{}{}
	}

	rows := leaderboard.Build(req.Sources, known, sortBy, dir, asOf)
	writeJSON(w, http.StatusOK, page(asOf, sortBy, dir, rows, 0))
}

// ListRules handles GET /api/v1/rules
func (s *Service) ListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, "failed to list rules", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []model.AccrualRule{}
	}
	writeJSON(w, http.StatusOK, list)
}

// UpdateRule handles PUT /api/v1/rules
// The body is a full rule. Its key defaults to the contract address, or the
// type's default key when no address is given.
func (s *Service) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var next model.AccrualRule
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&next); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if next.Key == "" {
		next.Key = rules.Key(next.ContractAddress, next.ContractType)
	}

	updated, err := s.registry.UpdateRule(r.Context(), next)
	if err != nil {
		writeError(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- helpers ---

func (s *Service) entry(w http.ResponseWriter, r *http.Request) (*model.LedgerEntry, bool) {
	contractAddr, err := contract.NormalizeAddress(chi.URLParam(r, "contract"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	user, err := contract.NormalizeAddress(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	entry, err := s.store.GetEntry(r.Context(), contractAddr, user)
	if err != nil {
		writeError(w, "entry not found", statusOf(err))
		return nil, false
	}
	return entry, true
}

// asOf reads ?as_of=, defaulting to now.
func (s *Service) asOf(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return s.now().Unix(), nil
	}
	asOf, err := strconv.ParseInt(v, 10, 64)
	if err != nil || asOf < 0 {
		return 0, errors.New("as_of must be a non-negative unix timestamp")
	}
	return asOf, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func page(asOf int64, sortBy leaderboard.SortKey, dir leaderboard.Direction, rows []model.LeaderboardRow, limit int) LeaderboardResponse {
	total := len(rows)
	if limit > 0 && limit < total {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []model.LeaderboardRow{}
	}
	return LeaderboardResponse{AsOf: asOf, SortBy: sortBy, Direction: dir, Total: total, Rows: rows}
}

func isArray(body []byte) bool {
	for _, c := range body {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ledger.ErrOutOfOrder), errors.Is(err, ledger.ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrEntryNotFound), errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnpricedEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrUnknownEventKind),
		errors.Is(err, ingest.ErrInvalidEvent), errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, leaderboard.ErrInvalidSort), errors.Is(err, contract.ErrInvalidAddress),
		errors.Is(err, contract.ErrInvalidContractType):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
