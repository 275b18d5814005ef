package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

const (
	defaultAccountLimit = 100
	maxAccountLimit     = 1000
	queryTimeout        = 3 * time.Second
)

// AccountsHandler exposes read-only account endpoints.
type AccountsHandler struct {
	repo    store.Repository
	timeout time.Duration
	logger  *zap.Logger
}

// NewAccountsHandler wires the repository and logger.
func NewAccountsHandler(repo store.Repository, logger *zap.Logger) *AccountsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountsHandler{repo: repo, timeout: queryTimeout, logger: logger}
}

// Stats handles GET /api/stats.
func (h *AccountsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	counts, err := h.repo.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("count accounts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count accounts")
		return
	}
	phones, err := h.repo.TotalPhones(ctx)
	if err != nil {
		h.logger.Error("count phones failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count phones")
		return
	}
	dto := statsDTO{Statuses: make(map[string]int, len(counts)), Phones: phones}
	for _, s := range store.Statuses {
		dto.Statuses[string(s)] = counts[s]
		dto.Accounts += counts[s]
	}
	dto.Remaining = store.PendingCount(counts)
	writeJSON(w, http.StatusOK, dto)
}

// ListAccounts handles GET /api/accounts?status=&limit=&offset=. Without a
// status filter every account is listed in insertion order.
func (h *AccountsHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultAccountLimit, maxAccountLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var out []accountDTO
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := store.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		accounts, err := h.repo.AccountsByStatus(ctx, status)
		if err != nil {
			h.logger.Error("list accounts failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list accounts")
			return
		}
		for _, a := range accounts {
			out = append(out, toAccountDTO(a))
		}
	} else {
		summaries, err := h.repo.Summary(ctx)
		if err != nil {
			h.logger.Error("list accounts failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list accounts")
			return
		}
		for _, s := range summaries {
			out = append(out, accountDTO{ID: s.ID, Username: s.Username, Status: string(s.Status), PhonesCount: s.PhonesCount})
		}
	}
	total := len(out)
	out = page(out, limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out, "total": total})
}

// GetAccount handles GET /api/accounts/{account_id}.
func (h *AccountsHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "account_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	acct, err := h.repo.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.Error("get account failed", zap.String("account_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": toAccountDTO(acct)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	end := min(offset+limit, len(in))
	return in[offset:end]
}

// toAccountDTO omits the token URL; it is a login credential.
func toAccountDTO(a store.Account) accountDTO {
	dto := accountDTO{
		ID:          a.ID,
		Username:    a.Username,
		Status:      string(a.Status),
		LastPage:    a.LastPage,
		PhonesCount: a.PhonesCount,
		HasToken:    a.HasToken(),
	}
	if !a.UpdatedAt.IsZero() {
		ts := a.UpdatedAt
		dto.UpdatedAt = &ts
	}
	return dto
}

type accountDTO struct {
	ID          string     `json:"account_id"`
	Username    string     `json:"username"`
	Status      string     `json:"status"`
	LastPage    int        `json:"last_page"`
	PhonesCount int        `json:"phones_count"`
	HasToken    bool       `json:"has_token"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type statsDTO struct {
	Statuses  map[string]int `json:"statuses"`
	Accounts  int            `json:"accounts"`
	Remaining int            `json:"remaining"`
	Phones    int            `json:"phones"`
}
