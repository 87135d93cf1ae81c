package main

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/priyansh/swarmq"
)

//go:embed templates/*
var templatesFS embed.FS

// Handler serves the monitor pages from a read-only Inspector.
type Handler struct {
	inspector *swarmq.Inspector
	templates map[string]*template.Template
}

// NewHandler parses the embedded templates and returns a Handler.
func NewHandler(inspector *swarmq.Inspector) (*Handler, error) {
	funcMap := template.FuncMap{
		"trunc": func(n int, s string) string {
			if len(s) <= n {
				return s
			}
			return s[:n] + "..."
		},
	}

	pages := []string{"dashboard.html", "queues.html", "jobs.html"}
	templates := make(map[string]*template.Template)
	for _, page := range pages {
		tmpl := template.New("base.html").Funcs(funcMap)
		if _, err := tmpl.ParseFS(templatesFS, "templates/base.html", "templates/"+page); err != nil {
			return nil, err
		}
		templates[page] = tmpl
	}

	return &Handler{
		inspector: inspector,
		templates: templates,
	}, nil
}

// RegisterRoutes registers HTTP routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleDashboard)
	mux.HandleFunc("/queues", h.handleQueues)
	mux.HandleFunc("/queues/", h.handleQueueJobs)
	mux.HandleFunc("/api/stats", h.handleAPIStats)
}

// dashboardTotals aggregates the per-queue counts shown on the landing page.
type dashboardTotals struct {
	Queues    int
	Pending   int
	InFlight  int
	Scheduled int
	Retry     int
	Completed int
	Failed    int
	Servers   int
	Workers   int
}

func (h *Handler) queueStats(r *http.Request) ([]*swarmq.QueueStats, error) {
	qnames, err := h.inspector.Queues(r.Context())
	if err != nil {
		return nil, err
	}
	var queues []*swarmq.QueueStats
	for _, qname := range qnames {
		stats, err := h.inspector.GetQueueStats(r.Context(), qname)
		if err != nil {
			continue
		}
		queues = append(queues, stats)
	}
	return queues, nil
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	queues, err := h.queueStats(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	servers, err := h.inspector.Servers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	totals := dashboardTotals{Queues: len(queues), Servers: len(servers)}
	for _, q := range queues {
		totals.Pending += q.Pending
		totals.InFlight += q.InFlight
		totals.Scheduled += q.Scheduled
		totals.Retry += q.Retry
		totals.Completed += q.Completed
		totals.Failed += q.Failed
	}
	for _, s := range servers {
		totals.Workers += len(s.ActiveWorkers)
	}

	h.render(w, "dashboard.html", map[string]interface{}{
		"Totals":  totals,
		"Queues":  queues,
		"Servers": servers,
		"Page":    "dashboard",
	})
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.queueStats(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.render(w, "queues.html", map[string]interface{}{
		"Queues": queues,
		"Page":   "queues",
	})
}

// jobStates lists the job views selectable on the queue page.
var jobStates = []string{"pending", "in_flight", "scheduled", "retry", "completed", "failed"}

func (h *Handler) listJobs(r *http.Request, qname, state string) ([]*swarmq.JobInfo, error) {
	opts := []swarmq.ListOption{swarmq.PageSize(100)}
	switch state {
	case "pending":
		return h.inspector.ListPendingJobs(r.Context(), qname, opts...)
	case "in_flight":
		return h.inspector.ListInFlightJobs(r.Context(), qname, opts...)
	case "scheduled":
		return h.inspector.ListScheduledJobs(r.Context(), qname, opts...)
	case "retry":
		return h.inspector.ListRetryJobs(r.Context(), qname, opts...)
	case "completed":
		return h.inspector.ListCompletedJobs(r.Context(), qname, opts...)
	case "failed":
		return h.inspector.ListFailedJobs(r.Context(), qname, opts...)
	default:
		return nil, errors.New("unknown job state: " + state)
	}
}

func (h *Handler) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	qname := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/queues/"), "/", 2)[0]
	if qname == "" {
		http.Redirect(w, r, "/queues", http.StatusFound)
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		state = "pending"
	}

	stats, err := h.inspector.GetQueueStats(r.Context(), qname)
	if err != nil {
		if errors.Is(err, swarmq.ErrQueueNotFound) {
			http.NotFound(w, r)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	jobs, err := h.listJobs(r, qname, state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	history, err := h.inspector.History(r.Context(), qname, 7)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.render(w, "jobs.html", map[string]interface{}{
		"Queue":   stats,
		"Jobs":    jobs,
		"State":   state,
		"States":  jobStates,
		"History": history,
		"Page":    "jobs",
	})
}

func (h *Handler) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	queues, err := h.queueStats(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	servers, err := h.inspector.Servers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := struct {
		Queues  []*swarmq.QueueStats `json:"queues"`
		Servers int                  `json:"servers"`
	}{Queues: queues, Servers: len(servers)}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	tmpl, ok := h.templates[name]
	if !ok {
		http.Error(w, "template not found: "+name, http.StatusInternalServerError)
		return
	}
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
