package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/service/purchase"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

// Submitter принимает покупку в работу.
type Submitter interface {
	Submit(ctx context.Context, userID, packageID string) (purchase.Submission, error)
}

// StatusReader читает состояние транзакций.
type StatusReader interface {
	GetStatus(ctx context.Context, transactionID string) (purchase.StatusView, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]purchase.StatusView, error)
	History(ctx context.Context, transactionID string) ([]domain.StatusChange, error)
}

// Handler — HTTP-интерфейс приёма покупок и чтения статусов.
type Handler struct {
	submitter Submitter
	status    StatusReader
	logger    *log.Entry
}

// NewHandler создаёт обработчик.
func NewHandler(submitter Submitter, status StatusReader, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{submitter: submitter, status: status, logger: logger}
}

// RegisterRoutes регистрирует маршруты API в роутере.
// Маршруты висят на самом r: 405 от mux отдаётся только по маршрутам корневого роутера.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/purchases", h.SubmitPurchase).Methods(http.MethodPost)
	r.HandleFunc("/v1/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/v1/transactions/{id}/history", h.GetHistory).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{id}/transactions", h.ListUserTransactions).Methods(http.MethodGet)
}

type errorResponse struct {
	Error string `json:"error"`
}

type submitRequest struct {
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id"`
}

type historyEntry struct {
	From       domain.TransactionStatus `json:"from,omitempty"`
	To         domain.TransactionStatus `json:"to"`
	Reason     string                   `json:"reason,omitempty"`
	OccurredAt time.Time                `json:"occurred_at"`
}

// SubmitPurchase: 202 с идентификаторами, 400 на некорректное тело, 409 на активную транзакцию.
func (h *Handler) SubmitPurchase(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	sub, err := h.submitter.Submit(r.Context(), req.UserID, req.PackageID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	view, err := h.status.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := h.status.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	entries := make([]historyEntry, 0, len(changes))
	for _, change := range changes {
		entries = append(entries, historyEntry{
			From:       change.From,
			To:         change.To,
			Reason:     change.Reason,
			OccurredAt: change.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxListLimit)
	}

	views, err := h.status.ListByUser(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrTransactionConflict):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrUserIDRequired),
		errors.Is(err, domain.ErrPackageIDRequired),
		errors.Is(err, domain.ErrTransactionIDRequired):
		h.writeError(w, http.StatusBadRequest, err)
	default:
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
