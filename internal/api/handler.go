package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"rebase-policy/internal/fixedpoint"
	"rebase-policy/internal/policy"
	"rebase-policy/internal/storage"
)

// PolicyReader is the read surface of the policy engine exposed over HTTP.
type PolicyReader interface {
	Params() policy.Params
	State() policy.RuntimeState
	EpochAndSupply(ctx context.Context) (uint64, *big.Int, error)
	IsInRebaseWindow(now uint64) bool
	NextRebaseWindow(now uint64) uint64
	Now() uint64
	ReceiveTransfer(from policy.Principal, amount *big.Int) error
}

// OutcomeLister lists persisted rebases.
type OutcomeLister interface {
	ListRecentOutcomes(ctx context.Context, limit int) ([]storage.RebaseRecord, error)
}

// Handler serves the read-only policy API.
type Handler struct {
	policy   PolicyReader
	outcomes OutcomeLister
	logger   zerolog.Logger
}

// NewHandler builds a Handler; outcomes may be nil when persistence is disabled.
func NewHandler(p PolicyReader, outcomes OutcomeLister, logger zerolog.Logger) *Handler {
	return &Handler{policy: p, outcomes: outcomes, logger: logger.With().Str("component", "api").Logger()}
}

// RegisterRoutes mounts the handler on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/v1")
	g.GET("/policy", h.Policy)
	g.GET("/policy/window", h.Window)
	g.POST("/policy/transfer", h.Transfer)
	g.GET("/rebases", h.Rebases)
}

// PolicyView is the JSON form of parameters and runtime state.
type PolicyView struct {
	Owner                  string `json:"owner"`
	Orchestrator           string `json:"orchestrator"`
	DeviationThreshold     string `json:"deviation_threshold"`
	DeviationThresholdPct  string `json:"deviation_threshold_pct"`
	RebaseLag              uint64 `json:"rebase_lag"`
	MinRebaseIntervalSec   uint64 `json:"min_rebase_interval_sec"`
	RebaseWindowOffsetSec  uint64 `json:"rebase_window_offset_sec"`
	RebaseWindowLengthSec  uint64 `json:"rebase_window_length_sec"`
	Epoch                  uint64 `json:"epoch"`
	LastRebaseTimestampSec uint64 `json:"last_rebase_timestamp_sec"`
	TotalSupply            string `json:"total_supply,omitempty"`
}

// WindowView answers whether a time is inside a rebase window.
type WindowView struct {
	At           uint64 `json:"at"`
	InWindow     bool   `json:"in_window"`
	NextOpen     uint64 `json:"next_open"`
	NextEligible uint64 `json:"next_eligible"`
}

// RebaseView is the JSON form of a persisted rebase.
type RebaseView struct {
	Epoch        uint64    `json:"epoch"`
	TradingPrice string    `json:"trading_price"`
	TargetPrice  string    `json:"target_price"`
	SupplyDelta  string    `json:"supply_delta"`
	TotalSupply  string    `json:"total_supply"`
	RebasedAt    time.Time `json:"rebased_at"`
	RunID        string    `json:"run_id,omitempty"`
}

type windowRequest struct {
	At string `query:"at" validate:"omitempty,numeric"`
}

type rebasesRequest struct {
	Limit int `query:"limit" default:"20" validate:"min=1,max=1000"`
}

type transferRequest struct {
	From   string `json:"from" validate:"omitempty,eth_addr"`
	Amount string `json:"amount" validate:"omitempty,numeric"`
}

// Health reports liveness.
func (h *Handler) Health(c echo.Context) error {
	return ok(c, map[string]string{"status": "ok"})
}

// Policy returns parameters, state and the live ledger supply.
func (h *Handler) Policy(c echo.Context) error {
	params := h.policy.Params()
	state := h.policy.State()
	view := PolicyView{
		Owner:                  params.Owner.Hex(),
		Orchestrator:           params.Orchestrator.Hex(),
		DeviationThreshold:     params.DeviationThreshold.String(),
		DeviationThresholdPct:  fixedpoint.Percent(params.DeviationThreshold, 2),
		RebaseLag:              params.RebaseLag,
		MinRebaseIntervalSec:   params.MinRebaseIntervalSec,
		RebaseWindowOffsetSec:  params.RebaseWindowOffsetSec,
		RebaseWindowLengthSec:  params.RebaseWindowLengthSec,
		Epoch:                  state.Epoch,
		LastRebaseTimestampSec: state.LastRebaseTimestampSec,
	}
	if _, supply, err := h.policy.EpochAndSupply(c.Request().Context()); err != nil {
		h.logger.Warn().Err(err).Msg("total supply unavailable")
	} else {
		view.TotalSupply = supply.String()
	}
	return ok(c, view)
}

// Window reports window membership for ?at= (Unix seconds) or the current time.
func (h *Handler) Window(c echo.Context) error {
	req := &windowRequest{}
	if errs := bindRequest(c, req); errs != nil {
		return badRequest(c, errs)
	}

	at := h.policy.Now()
	if req.At != "" {
		parsed, err := strconv.ParseUint(req.At, 10, 64)
		if err != nil {
			return badRequest(c, []FieldError{{Code: "ERR_NUMERIC", Field: "at", Message: "at must be an unsigned integer"}})
		}
		at = parsed
	}

	schedule := h.policy.Params().Schedule()
	return ok(c, WindowView{
		At:           at,
		InWindow:     h.policy.IsInRebaseWindow(at),
		NextOpen:     schedule.NextOpen(at),
		NextEligible: h.policy.NextRebaseWindow(at),
	})
}

// Rebases lists the most recent persisted rebases.
func (h *Handler) Rebases(c echo.Context) error {
	req := &rebasesRequest{}
	if errs := bindRequest(c, req); errs != nil {
		return badRequest(c, errs)
	}
	if h.outcomes == nil {
		return failure(c, http.StatusServiceUnavailable, "ERR_NO_STORAGE", storage.ErrNotConfigured)
	}

	records, err := h.outcomes.ListRecentOutcomes(c.Request().Context(), req.Limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("list rebases failed")
		return failure(c, http.StatusInternalServerError, "ERR_STORAGE", errors.New("failed to list rebases"))
	}

	views := make([]RebaseView, 0, len(records))
	for _, r := range records {
		view := RebaseView{
			Epoch:        r.Epoch,
			TradingPrice: fixedpoint.Format(r.TradingPrice, 6),
			TargetPrice:  fixedpoint.Format(r.TargetPrice, 6),
			SupplyDelta:  r.SupplyDelta.String(),
			TotalSupply:  r.TotalSupply.String(),
			RebasedAt:    r.RebasedAt,
		}
		if r.RunID != nil {
			view.RunID = *r.RunID
		}
		views = append(views, view)
	}
	return ok(c, views)
}

// Transfer forwards unsolicited value to the policy, which always refuses it.
func (h *Handler) Transfer(c echo.Context) error {
	req := &transferRequest{}
	if errs := bindRequest(c, req); errs != nil {
		return badRequest(c, errs)
	}
	amount, okAmount := new(big.Int).SetString(req.Amount, 10)
	if !okAmount {
		amount = new(big.Int)
	}
	err := h.policy.ReceiveTransfer(common.HexToAddress(req.From), amount)
	if errors.Is(err, policy.ErrUnsupportedTransfer) {
		return failure(c, http.StatusMethodNotAllowed, "ERR_UNSUPPORTED_TRANSFER", err)
	}
	if err != nil {
		return failure(c, http.StatusInternalServerError, "ERR_UNKNOWN", err)
	}
	return ok(c, nil)
}

