package moonraker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-powerloss/pkg/host"
	"klipper-powerloss/pkg/printer"
)

func newClockedHistory() (*HistoryManager, *time.Time) {
	hm := NewHistoryManager()
	now := time.Unix(1700000000, 0)
	hm.now = func() time.Time { return now }
	return hm, &now
}

func statusOf(name string, state printer.PrintState, duration float64) host.Status {
	return host.Status{PrintStats: printer.PrintStatus{
		Filename:      name,
		State:         state,
		PrintDuration: duration,
	}}
}

func TestObserveLifecycle(t *testing.T) {
	hm, now := newClockedHistory()

	hm.Observe(statusOf("", printer.PrintStateStandby, 0))
	assert.Nil(t, hm.ActiveJob())

	hm.Observe(statusOf("cube.gcode", printer.PrintStatePrinting, 0))
	job := hm.ActiveJob()
	require.NotNil(t, job)
	assert.Equal(t, JobInProgress, job.Status)
	assert.False(t, job.Recovered)

	*now = now.Add(time.Minute)
	hm.Observe(statusOf("cube.gcode", printer.PrintStatePaused, 50))
	assert.Same(t, job, hm.ActiveJob())

	*now = now.Add(time.Minute)
	hm.Observe(statusOf("cube.gcode", printer.PrintStateCancelled, 60))
	assert.Nil(t, hm.ActiveJob())
	assert.Equal(t, JobCancelled, job.Status)
	assert.Equal(t, float64(120), job.TotalDuration)
	assert.Equal(t, float64(60), job.PrintDuration)
	require.NotNil(t, job.EndTime)

	// Terminal states without an active job are ignored.
	hm.Observe(statusOf("cube.gcode", printer.PrintStateCancelled, 60))
	assert.Len(t, hm.ListJobs(0, 0, 0, 0, "desc"), 1)
}

func TestObserveFilenameChangeEndsJob(t *testing.T) {
	hm, _ := newClockedHistory()

	hm.Observe(statusOf("a.gcode", printer.PrintStatePrinting, 1))
	first := hm.ActiveJob()
	hm.Observe(statusOf("b.gcode", printer.PrintStatePrinting, 1))

	assert.Equal(t, JobCancelled, first.Status)
	assert.Equal(t, "b.gcode", hm.ActiveJob().Filename)
}

func TestObserveMarksRecoveredJobs(t *testing.T) {
	hm, _ := newClockedHistory()

	st := statusOf("cube.gcode", printer.PrintStatePrinting, 0)
	st.Recovery = "running"
	hm.Observe(st)
	assert.True(t, hm.ActiveJob().Recovered)

	hm.Observe(statusOf("cube.gcode", printer.PrintStateError, 5))
	jobs := hm.ListJobs(0, 0, 0, 0, "desc")
	require.Len(t, jobs, 1)
	assert.Equal(t, JobError, jobs[0].Status)
	assert.True(t, jobs[0].Recovered)
}

func TestListJobsOrderAndPaging(t *testing.T) {
	hm, now := newClockedHistory()
	for _, name := range []string{"a", "b", "c"} {
		hm.StartJob(name, nil)
		hm.FinishJob(JobCompleted)
		*now = now.Add(time.Second)
	}

	desc := hm.ListJobs(0, 0, 0, 0, "desc")
	require.Len(t, desc, 3)
	assert.Equal(t, "c", desc[0].Filename)

	asc := hm.ListJobs(2, 1, 0, 0, "asc")
	require.Len(t, asc, 2)
	assert.Equal(t, "b", asc[0].Filename)
	assert.Equal(t, "c", asc[1].Filename)

	assert.Nil(t, hm.ListJobs(0, 5, 0, 0, "desc"))
	assert.Len(t, hm.ListJobs(0, 0, 1700000001, 0, "desc"), 2)
}

func TestTotals(t *testing.T) {
	hm, now := newClockedHistory()
	hm.StartJob("a", nil)
	hm.UpdateJob(10, 100)
	*now = now.Add(20 * time.Second)
	hm.FinishJob(JobCompleted)
	hm.StartJob("b", nil)
	hm.UpdateJob(30, 50)
	*now = now.Add(40 * time.Second)
	hm.FinishJob(JobCompleted)

	totals := hm.GetTotals()
	assert.Equal(t, 2, totals.TotalJobs)
	assert.Equal(t, float64(40), totals.TotalPrintTime)
	assert.Equal(t, float64(150), totals.TotalFilamentUsed)
	assert.Equal(t, float64(40), totals.LongestJob)
	assert.Equal(t, float64(30), totals.LongestPrint)

	hm.ResetTotals()
	assert.Equal(t, 0, hm.GetTotals().TotalJobs)
}

func TestHistoryRoutes(t *testing.T) {
	hm, _ := newClockedHistory()
	job := hm.StartJob("cube.gcode", nil)
	hm.FinishJob(JobCompleted)

	r := chi.NewRouter()
	hm.RegisterRoutes(r)
	serve := func(method, target string) (int, map[string]any) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec.Code, body
	}

	code, body := serve(http.MethodGet, "/server/history/list")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["result"].(map[string]any)["count"])

	code, body = serve(http.MethodGet, "/server/history/job?uid="+job.JobID)
	require.Equal(t, http.StatusOK, code)
	got := body["result"].(map[string]any)["job"].(map[string]any)
	assert.Equal(t, "cube.gcode", got["filename"])

	code, _ = serve(http.MethodGet, "/server/history/job")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = serve(http.MethodDelete, "/server/history/job?uid="+job.JobID)
	assert.Equal(t, http.StatusOK, code)
	code, _ = serve(http.MethodGet, "/server/history/job?uid="+job.JobID)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = serve(http.MethodPost, "/server/history/reset_totals")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["result"], "last_totals")
}
