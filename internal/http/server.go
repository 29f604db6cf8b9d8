package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/ignatij/taskflow/internal/log"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// NewRouter exposes the stored batches read-only. Metrics are served from gatherer
// and every request is written to accessLog in combined log format.
func NewRouter(svc *service.BatchService, gatherer prometheus.Gatherer, accessLog io.Writer) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := router.PathPrefix("/batches").Subrouter()
	api.HandleFunc("", BatchesHandler(svc)).Methods(http.MethodGet)
	api.HandleFunc("/{id}", BatchByIDHandler(svc)).Methods(http.MethodGet)
	api.HandleFunc("/{id}/report", ReportHandler(svc)).Methods(http.MethodGet)
	api.HandleFunc("/{id}/executions/{index:[0-9]+}/logs", ExecutionLogsHandler(svc)).Methods(http.MethodGet)

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(accessLog, router))
}

// StartServer serves the API until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, port string, store storage.Store, gatherer prometheus.Gatherer) error {
	svc := service.NewBatchService(store, log.GetLogger())
	accessLog := log.GetLogger().Writer()
	defer accessLog.Close()

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewRouter(svc, gatherer, accessLog),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting taskflow server on :%s", port)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		log.GetLogger().Infof("Shutting down taskflow server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return errors.Wrap(err, "could not stop server gracefully")
		}
		return nil
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// batchSummary is the list view of a batch
type batchSummary struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Status     models.BatchStatus `json:"status"`
	Workers    int                `json:"workers"`
	ReportPath string             `json:"report_path"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func BatchesHandler(svc *service.BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batches, err := svc.ListBatches()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		summaries := make([]batchSummary, 0, len(batches))
		for _, b := range batches {
			summaries = append(summaries, batchSummary{
				ID:         b.ID,
				Name:       b.Name,
				Status:     b.Status,
				Workers:    b.Workers,
				ReportPath: b.ReportPath,
				CreatedAt:  b.CreatedAt,
				UpdatedAt:  b.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, summaries)
	}
}

func BatchByIDHandler(svc *service.BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, err := svc.GetBatch(mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

func ExecutionLogsHandler(svc *service.BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		index, err := strconv.Atoi(vars["index"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid execution index")
			return
		}
		logs, err := svc.GetExecutionLogs(vars["id"], index)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if logs == nil {
			logs = []models.ExecutionLog{}
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

// ReportHandler renders the HTML report of a stored batch. The page is buffered so a
// failed render never reaches the client as a partial 200.
func ReportHandler(svc *service.BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var page bytes.Buffer
		if err := svc.WriteReport(id, &page); err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := page.WriteTo(w); err != nil {
			log.GetLogger().Errorf("Failed to write report of batch %s: %v", id, err)
		}
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	log.GetLogger().Errorf("Request failed: %v", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
