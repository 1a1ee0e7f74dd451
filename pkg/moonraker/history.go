// Print history API endpoints.
// Tracks print jobs from the status transitions of the host.
package moonraker

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"klipper-powerloss/pkg/host"
	"klipper-powerloss/pkg/printer"
)

// Job statuses.
const (
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobCancelled  = "cancelled"
	JobError      = "error"
)

// HistoryManager manages print job history.
type HistoryManager struct {
	mu   sync.RWMutex
	jobs map[string]*PrintJob
	// Most recent jobs first
	jobOrder []string

	activeJobID string
	now         func() time.Time
}

// PrintJob represents a print job record.
type PrintJob struct {
	JobID         string         `json:"job_id"`
	Exists        bool           `json:"exists"`
	EndTime       *float64       `json:"end_time"`
	FilamentUsed  float64        `json:"filament_used"`
	Filename      string         `json:"filename"`
	Metadata      map[string]any `json:"metadata"`
	PrintDuration float64        `json:"print_duration"`
	Status        string         `json:"status"`
	StartTime     float64        `json:"start_time"`
	TotalDuration float64        `json:"total_duration"`
	// Recovered marks a job that was resumed after a power loss.
	Recovered bool `json:"recovered"`
}

// JobTotals holds aggregated job statistics.
type JobTotals struct {
	TotalJobs         int     `json:"total_jobs"`
	TotalTime         float64 `json:"total_time"`
	TotalPrintTime    float64 `json:"total_print_time"`
	TotalFilamentUsed float64 `json:"total_filament_used"`
	LongestJob        float64 `json:"longest_job"`
	LongestPrint      float64 `json:"longest_print"`
}

// NewHistoryManager creates a new history manager.
func NewHistoryManager() *HistoryManager {
	return &HistoryManager{
		jobs: make(map[string]*PrintJob),
		now:  time.Now,
	}
}

func (hm *HistoryManager) timestamp() float64 {
	return float64(hm.now().UnixNano()) / 1e9
}

// StartJob creates a new print job.
func (hm *HistoryManager) StartJob(filename string, metadata map[string]any) *PrintJob {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.startLocked(filename, metadata)
}

func (hm *HistoryManager) startLocked(filename string, metadata map[string]any) *PrintJob {
	job := &PrintJob{
		JobID:     uuid.NewString(),
		Exists:    true,
		Filename:  filename,
		Metadata:  metadata,
		Status:    JobInProgress,
		StartTime: hm.timestamp(),
	}
	hm.jobs[job.JobID] = job
	hm.jobOrder = append([]string{job.JobID}, hm.jobOrder...)
	hm.activeJobID = job.JobID
	return job
}

// UpdateJob updates the current active job.
func (hm *HistoryManager) UpdateJob(printDuration, filamentUsed float64) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.updateLocked(printDuration, filamentUsed)
}

func (hm *HistoryManager) updateLocked(printDuration, filamentUsed float64) {
	job, ok := hm.jobs[hm.activeJobID]
	if !ok {
		return
	}
	job.PrintDuration = printDuration
	job.FilamentUsed = filamentUsed
	job.TotalDuration = hm.timestamp() - job.StartTime
}

// FinishJob marks the active job as finished.
func (hm *HistoryManager) FinishJob(status string) *PrintJob {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.finishLocked(status)
}

func (hm *HistoryManager) finishLocked(status string) *PrintJob {
	job, ok := hm.jobs[hm.activeJobID]
	if !ok {
		return nil
	}
	now := hm.timestamp()
	job.EndTime = &now
	job.Status = status
	job.TotalDuration = now - job.StartTime
	hm.activeJobID = ""
	return job
}

// Observe follows the print statistics of st. A job starts when printing
// begins and finishes when the statistics reach a terminal state.
func (hm *HistoryManager) Observe(st host.Status) {
	ps := st.PrintStats
	hm.mu.Lock()
	defer hm.mu.Unlock()

	active := hm.jobs[hm.activeJobID]
	switch ps.State {
	case printer.PrintStatePrinting, printer.PrintStatePaused:
		if active != nil && active.Filename != ps.Filename {
			hm.finishLocked(JobCancelled)
			active = nil
		}
		if active == nil {
			active = hm.startLocked(ps.Filename, map[string]any{})
			active.Recovered = st.Recovery == "running"
		}
		hm.updateLocked(ps.PrintDuration, ps.FilamentUsed)
	case printer.PrintStateComplete, printer.PrintStateCancelled, printer.PrintStateError:
		if active == nil {
			return
		}
		hm.updateLocked(ps.PrintDuration, ps.FilamentUsed)
		switch ps.State {
		case printer.PrintStateComplete:
			hm.finishLocked(JobCompleted)
		case printer.PrintStateCancelled:
			hm.finishLocked(JobCancelled)
		default:
			hm.finishLocked(JobError)
		}
	}
}

// ActiveJob returns the job in progress, if any.
func (hm *HistoryManager) ActiveJob() *PrintJob {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.jobs[hm.activeJobID]
}

// GetJob returns a job by ID.
func (hm *HistoryManager) GetJob(jobID string) (*PrintJob, error) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	job, ok := hm.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

// ListJobs returns jobs with optional filtering and pagination.
func (hm *HistoryManager) ListJobs(limit, start int, since, before float64, order string) []*PrintJob {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	var matches []*PrintJob
	for _, jobID := range hm.jobOrder {
		job := hm.jobs[jobID]
		if job == nil {
			continue
		}
		if since > 0 && job.StartTime < since {
			continue
		}
		if before > 0 && job.StartTime > before {
			continue
		}
		matches = append(matches, job)
	}

	// jobOrder is newest first
	if order == "asc" {
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].StartTime < matches[j].StartTime
		})
	}

	if start >= len(matches) {
		return nil
	}
	if start > 0 {
		matches = matches[start:]
	}
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches
}

// GetTotals returns aggregated job statistics.
func (hm *HistoryManager) GetTotals() *JobTotals {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	totals := &JobTotals{}
	for _, job := range hm.jobs {
		totals.TotalJobs++
		totals.TotalTime += job.TotalDuration
		totals.TotalPrintTime += job.PrintDuration
		totals.TotalFilamentUsed += job.FilamentUsed
		if job.TotalDuration > totals.LongestJob {
			totals.LongestJob = job.TotalDuration
		}
		if job.PrintDuration > totals.LongestPrint {
			totals.LongestPrint = job.PrintDuration
		}
	}
	return totals
}

// DeleteJob deletes a job from history.
func (hm *HistoryManager) DeleteJob(jobID string) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if _, ok := hm.jobs[jobID]; !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	delete(hm.jobs, jobID)
	for i, id := range hm.jobOrder {
		if id == jobID {
			hm.jobOrder = append(hm.jobOrder[:i], hm.jobOrder[i+1:]...)
			break
		}
	}
	if hm.activeJobID == jobID {
		hm.activeJobID = ""
	}
	return nil
}

// ResetTotals clears all job history.
func (hm *HistoryManager) ResetTotals() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.jobs = make(map[string]*PrintJob)
	hm.jobOrder = nil
	hm.activeJobID = ""
}

// RegisterRoutes mounts the history endpoints on r.
func (hm *HistoryManager) RegisterRoutes(r chi.Router) {
	r.Get("/server/history/list", hm.handleList)
	r.Get("/server/history/status", hm.handleStatus)
	r.Get("/server/history/totals", hm.handleTotals)
	r.Get("/server/history/job", hm.handleJob)
	r.Delete("/server/history/job", hm.handleJob)
	r.Post("/server/history/reset_totals", hm.handleResetTotals)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return def
}

func queryFloat(r *http.Request, key string) float64 {
	v, _ := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	return v
}

func (hm *HistoryManager) handleList(w http.ResponseWriter, r *http.Request) {
	order := r.URL.Query().Get("order")
	if order == "" {
		order = "desc"
	}
	jobs := hm.ListJobs(queryInt(r, "limit", 50), queryInt(r, "start", 0),
		queryFloat(r, "since"), queryFloat(r, "before"), order)

	hm.mu.RLock()
	count := len(hm.jobs)
	hm.mu.RUnlock()

	writeJSON(w, map[string]any{
		"result": map[string]any{
			"count": count,
			"jobs":  jobs,
		},
	})
}

func (hm *HistoryManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	result := map[string]any{}
	if job := hm.ActiveJob(); job != nil {
		result["job"] = job
	}
	writeJSON(w, map[string]any{"result": result})
}

func (hm *HistoryManager) handleTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"result": map[string]any{
			"job_totals": hm.GetTotals(),
		},
	})
}

func (hm *HistoryManager) handleJob(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeJSONError(w, fmt.Errorf("missing uid parameter"), http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodDelete {
		if err := hm.DeleteJob(uid); err != nil {
			writeJSONError(w, err, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"result": map[string]any{
				"deleted_jobs": []string{uid},
			},
		})
		return
	}
	job, err := hm.GetJob(uid)
	if err != nil {
		writeJSONError(w, err, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"result": map[string]any{"job": job}})
}

func (hm *HistoryManager) handleResetTotals(w http.ResponseWriter, r *http.Request) {
	last := hm.GetTotals()
	hm.ResetTotals()
	writeJSON(w, map[string]any{
		"result": map[string]any{
			"last_totals": last,
		},
	})
}
