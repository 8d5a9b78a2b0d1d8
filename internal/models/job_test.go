package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
	}{
		{JobStateQueued, false},
		{JobStateRunning, false},
		{JobStateFinalizing, false},
		{JobStateDone, true},
		{JobStateFailed, true},
		{JobStateCancelled, true},
		{JobStateExpired, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobState
		to      JobState
		allowed bool
	}{
		{"claim", JobStateQueued, JobStateRunning, true},
		{"finish crawling", JobStateRunning, JobStateFinalizing, true},
		{"fatal error", JobStateRunning, JobStateFailed, true},
		{"cancel while running", JobStateRunning, JobStateCancelled, true},
		{"supervisor restart", JobStateRunning, JobStateQueued, true},
		{"finalize success", JobStateFinalizing, JobStateDone, true},
		{"finalize failure", JobStateFinalizing, JobStateFailed, true},
		{"cancel during finalize", JobStateFinalizing, JobStateCancelled, true},
		{"expire queued", JobStateQueued, JobStateExpired, true},
		{"expire running", JobStateRunning, JobStateExpired, true},
		{"expire finalizing", JobStateFinalizing, JobStateExpired, true},

		{"skip finalizing", JobStateQueued, JobStateDone, false},
		{"queued straight to failed", JobStateQueued, JobStateFailed, false},
		{"running straight to done", JobStateRunning, JobStateDone, false},
		{"resurrect done", JobStateDone, JobStateRunning, false},
		{"resurrect failed", JobStateFailed, JobStateQueued, false},
		{"expire terminal", JobStateDone, JobStateExpired, false},
		{"cancel terminal", JobStateCancelled, JobStateCancelled, false},
		{"finalizing back to running", JobStateFinalizing, JobStateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_TerminalStatesAdmitNothing(t *testing.T) {
	all := []JobState{
		JobStateQueued, JobStateRunning, JobStateFinalizing,
		JobStateDone, JobStateFailed, JobStateCancelled, JobStateExpired,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "terminal %s must not transition to %s", from, to)
		}
	}
}

func TestCrawlJob_Progress(t *testing.T) {
	job := &CrawlJob{Config: JobConfig{MaxPages: 100}, PagesFetched: 25}
	assert.InDelta(t, 0.25, job.Progress(), 0.0001)

	job.PagesFetched = 150
	assert.Equal(t, 1.0, job.Progress(), "progress is capped at 1")

	job.Config.MaxPages = 0
	assert.Equal(t, 0.0, job.Progress())
}

func TestCrawlJob_Elapsed(t *testing.T) {
	now := time.Now()
	job := &CrawlJob{}
	assert.Equal(t, time.Duration(0), job.Elapsed(now))

	started := now.Add(-90 * time.Second)
	job.StartedAt = &started
	assert.Equal(t, 90*time.Second, job.Elapsed(now))
}

func TestHashTitle_NormalizesWhitespaceAndCase(t *testing.T) {
	a := HashTitle("Getting  Started \n Guide")
	b := HashTitle("getting started guide")
	require.Len(t, a, 16)
	assert.Equal(t, a, b)

	c := HashTitle("Getting Started Guide (FR)")
	assert.NotEqual(t, a, c)
}

func TestHashContent_IsStable(t *testing.T) {
	h1 := HashContent("# Title\n\nBody text.")
	h2 := HashContent("# Title\n\nBody text.")
	h3 := HashContent("# Title\n\nBody text!")
	require.Len(t, h1, 64)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}
