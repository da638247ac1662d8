// Package http exposes the auto-journal trigger surface.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerline/ledgerline/internal/autojournal"
	"github.com/ledgerline/ledgerline/internal/platform/httpx"
	"github.com/ledgerline/ledgerline/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler manages auto-journal endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *autojournal.Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *autojournal.Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// MountRoutes registers auto-journal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/runs", h.createRun)
	r.Get("/runs", h.listRuns)
	r.Get("/runs/{processNumber}", h.getRun)
	r.Post("/postings", h.createPosting)
	r.Get("/entries", h.listEntries)
	r.Get("/entries/{number}", h.getEntry)
}

type runRequest struct {
	FromDate   string `json:"from_date" validate:"required,datetime=2006-01-02"`
	ToDate     string `json:"to_date" validate:"required,datetime=2006-01-02"`
	OperatorID string `json:"operator_id" validate:"required"`
}

type runResponse struct {
	ProcessNumber string `json:"process_number"`
	Total         int    `json:"total"`
	Succeeded     int    `json:"succeeded"`
	Failed        int    `json:"failed"`
	TotalAmount   string `json:"total_amount"`
	Cancelled     bool   `json:"cancelled"`
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	from, _ := time.Parse(dateLayout, req.FromDate)
	to, _ := time.Parse(dateLayout, req.ToDate)
	if to.Before(from) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to_date precedes from_date")
		return
	}

	result, err := h.service.RunGeneration(r.Context(), autojournal.RunInput{
		FromDate: from,
		ToDate:   to,
		Operator: req.OperatorID,
	})
	if err != nil {
		if errors.Is(err, shared.ErrRunInProgress) {
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
			return
		}
		h.logger.Error("generation run failed", slog.Any("error", err))
		// A partial result still carries the process number for follow-up.
		httpx.Problem(w, http.StatusInternalServerError, "Run Failed", result.ProcessNumber)
		return
	}
	httpx.JSON(w, http.StatusAccepted, runResponse{
		ProcessNumber: result.ProcessNumber,
		Total:         result.Total,
		Succeeded:     result.Succeeded,
		Failed:        result.Failed,
		TotalAmount:   result.TotalAmount.String(),
		Cancelled:     result.Cancelled,
	})
}

type historyResponse struct {
	ProcessNumber string `json:"process_number"`
	FromDate      string `json:"from_date"`
	ToDate        string `json:"to_date"`
	TotalCount    int    `json:"total_count"`
	SuccessCount  int    `json:"success_count"`
	ErrorCount    int    `json:"error_count"`
	TotalAmount   string `json:"total_amount"`
	Operator      string `json:"operator"`
	Cancelled     bool   `json:"cancelled"`
	CreatedAt     string `json:"created_at"`
}

func toHistoryResponse(h autojournal.History) historyResponse {
	return historyResponse{
		ProcessNumber: h.ProcessNumber,
		FromDate:      h.FromDate.Format(dateLayout),
		ToDate:        h.ToDate.Format(dateLayout),
		TotalCount:    h.TotalCount,
		SuccessCount:  h.SuccessCount,
		ErrorCount:    h.ErrorCount,
		TotalAmount:   h.TotalAmount.String(),
		Operator:      h.Operator,
		Cancelled:     h.Cancelled,
		CreatedAt:     h.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	processNumber := chi.URLParam(r, "processNumber")
	history, err := h.service.GetHistory(r.Context(), processNumber)
	if err != nil {
		if errors.Is(err, autojournal.ErrHistoryNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", processNumber)
			return
		}
		h.logger.Error("get run history", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toHistoryResponse(history))
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(dateLayout, r.URL.Query().Get("from"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
		return
	}
	to, err := time.Parse(dateLayout, r.URL.Query().Get("to"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
		return
	}
	histories, err := h.service.ListHistories(r.Context(), from, to)
	if err != nil {
		h.logger.Error("list run histories", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]historyResponse, 0, len(histories))
	for _, item := range histories {
		out = append(out, toHistoryResponse(item))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type postingRequest struct {
	ProcessNumber string   `json:"process_number"`
	EntryNumbers  []string `json:"entry_numbers"`
	OperatorID    string   `json:"operator_id" validate:"required"`
}

type postingResponse struct {
	PostedCount    int                 `json:"posted_count"`
	VoucherNumbers []string            `json:"voucher_numbers"`
	Rejected       []rejectionResponse `json:"rejected"`
}

type rejectionResponse struct {
	EntryNumber string `json:"entry_number"`
	Reason      string `json:"reason"`
}

func (h *Handler) createPosting(w http.ResponseWriter, r *http.Request) {
	var req postingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if (req.ProcessNumber == "") == (len(req.EntryNumbers) == 0) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "provide exactly one of process_number or entry_numbers")
		return
	}

	var (
		result autojournal.PostResult
		err    error
	)
	if req.ProcessNumber != "" {
		result, err = h.service.PostByProcess(r.Context(), req.ProcessNumber, req.OperatorID)
	} else {
		result, err = h.service.PostEntries(r.Context(), req.EntryNumbers, req.OperatorID)
	}
	if err != nil {
		if errors.Is(err, autojournal.ErrEntryNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("posting failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	rejected := make([]rejectionResponse, 0, len(result.Rejected))
	for _, rej := range result.Rejected {
		rejected = append(rejected, rejectionResponse(rej))
	}
	httpx.JSON(w, http.StatusOK, postingResponse{
		PostedCount:    result.PostedCount,
		VoucherNumbers: result.VoucherNumbers,
		Rejected:       rejected,
	})
}

type entryResponse struct {
	Number          string `json:"number"`
	SalesNumber     string `json:"sales_number"`
	SalesLineNumber int    `json:"sales_line_number"`
	PatternCode     string `json:"pattern_code,omitempty"`
	ProcessNumber   string `json:"process_number"`
	PostingDate     string `json:"posting_date"`
	Side            string `json:"side,omitempty"`
	AccountCode     string `json:"account_code,omitempty"`
	SubAccountCode  string `json:"sub_account_code,omitempty"`
	Amount          string `json:"amount"`
	TaxAmount       string `json:"tax_amount"`
	Status          string `json:"status"`
	StatusLabel     string `json:"status_label"`
	PostedFlag      bool   `json:"posted_flag"`
	PostedDate      string `json:"posted_date,omitempty"`
	VoucherNumber   string `json:"voucher_number,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	SupersededBy    string `json:"superseded_by,omitempty"`
}

func toEntryResponse(e autojournal.Entry) entryResponse {
	out := entryResponse{
		Number:          e.Number,
		SalesNumber:     e.SalesNumber,
		SalesLineNumber: e.SalesLineNumber,
		PatternCode:     e.PatternCode,
		ProcessNumber:   e.ProcessNumber,
		PostingDate:     e.PostingDate.Format(dateLayout),
		Side:            string(e.Side),
		AccountCode:     e.AccountCode,
		SubAccountCode:  e.SubAccountCode,
		Amount:          e.Amount.String(),
		TaxAmount:       e.TaxAmount.String(),
		Status:          string(e.Status),
		StatusLabel:     e.Status.Label(),
		PostedFlag:      e.PostedFlag,
		VoucherNumber:   e.VoucherNumber,
		ErrorCode:       e.ErrorCode,
		ErrorMessage:    e.ErrorMessage,
		SupersededBy:    e.SupersededBy,
	}
	if e.PostedDate != nil {
		out.PostedDate = e.PostedDate.Format(dateLayout)
	}
	return out
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	salesNumber := r.URL.Query().Get("sales_number")
	statusRaw := r.URL.Query().Get("status")
	unpostedOn := r.URL.Query().Get("unposted_on")

	var (
		entries []autojournal.Entry
		err     error
	)
	switch {
	case salesNumber != "":
		entries, err = h.service.ListEntriesBySalesNumber(r.Context(), salesNumber)
	case statusRaw != "":
		status, parseErr := autojournal.ParseStatus(statusRaw)
		if parseErr != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", parseErr.Error())
			return
		}
		entries, err = h.service.ListEntriesByStatus(r.Context(), status)
	case unpostedOn != "":
		date, parseErr := time.Parse(dateLayout, unpostedOn)
		if parseErr != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unposted_on must be YYYY-MM-DD")
			return
		}
		entries, err = h.service.ListUnpostedByDate(r.Context(), date)
	default:
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "provide sales_number, status or unposted_on")
		return
	}
	if err != nil {
		h.logger.Error("list entries", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	entry, err := h.service.GetEntry(r.Context(), number)
	if err != nil {
		if errors.Is(err, autojournal.ErrEntryNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", number)
			return
		}
		h.logger.Error("get entry", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEntryResponse(entry))
}
