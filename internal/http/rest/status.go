package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/archive_downloader/internal/logctx"
	"github.com/italolelis/archive_downloader/internal/storage"
)

// Summary is the outcome count of the most recent batch run.
type Summary struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcomes   map[string]int `json:"outcomes"`
	Failed     bool           `json:"failed"`
}

// SummarySource returns the last finished run, if any.
type SummarySource interface {
	LastSummary() (Summary, bool)
}

type JournalRecord struct {
	TargetID  string    `json:"target_id"`
	URL       string    `json:"url,omitempty"`
	Status    string    `json:"status"`
	Bytes     int64     `json:"bytes"`
	Checksum  string    `json:"checksum,omitempty"`
	Error     string    `json:"error,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusHandler exposes health, the journal and the last run summary.
type StatusHandler struct {
	username string
	password string
	journal  storage.JournalReadRepository
	runs     SummarySource
}

// NewStatusHandler creates a new status handler. Basic auth is enforced when
// username is set.
func NewStatusHandler(username, password string, journal storage.JournalReadRepository, runs SummarySource) *StatusHandler {
	return &StatusHandler{
		username: username,
		password: password,
		journal:  journal,
		runs:     runs,
	}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.basicAuthMiddleware)

		r.Get("/journal", h.HandleJournal)
		r.Get("/journal/{targetID}", h.HandleJournalRecord)
		r.Get("/runs/last", h.HandleLastRun)
	})

	return r
}

func (h *StatusHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (h *StatusHandler) HandleJournal(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.journal.List(r.Context())
	if err != nil {
		logger.Error("failed to list journal", "err", err)
		http.Error(w, "failed to list journal", http.StatusInternalServerError)

		return
	}

	out := make([]JournalRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, toJournalRecord(rec))
	}

	writeJSON(w, r, out)
}

func (h *StatusHandler) HandleJournalRecord(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	targetID := chi.URLParam(r, "targetID")

	rec, err := h.journal.Get(r.Context(), targetID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "unknown target", http.StatusNotFound)

		return
	}

	if err != nil {
		logger.Error("failed to read journal", "target", targetID, "err", err)
		http.Error(w, "failed to read journal", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, toJournalRecord(rec))
}

func (h *StatusHandler) HandleLastRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "no run finished yet", http.StatusNotFound)

		return
	}

	summary, ok := h.runs.LastSummary()
	if !ok {
		http.Error(w, "no run finished yet", http.StatusNotFound)

		return
	}

	writeJSON(w, r, summary)
}

func (h *StatusHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func toJournalRecord(rec storage.Record) JournalRecord {
	return JournalRecord{
		TargetID:  rec.TargetID,
		URL:       rec.URL,
		Status:    rec.Status,
		Bytes:     rec.Bytes,
		Checksum:  rec.Checksum,
		Error:     rec.Error,
		Owner:     rec.Owner,
		UpdatedAt: rec.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
