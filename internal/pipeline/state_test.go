package pipeline

import (
	"testing"
	"time"

	"resume-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func sub(phase models.PhaseType, status models.SubtaskStatus, durationMs int64) *models.Subtask {
	return &models.Subtask{ID: uuid.New(), Phase: phase, Status: status, DurationMs: durationMs}
}

func TestDeriveOfferStatus(t *testing.T) {
	tests := []struct {
		name     string
		subtasks []*models.Subtask
		want     models.OfferStatus
	}{
		{"No subtasks", nil, models.OfferStatusPending},
		{"Running phase", []*models.Subtask{sub(models.PhaseClassify, models.SubtaskStatusRunning, 0)}, models.OfferStatusRunning},
		{"Between groups", []*models.Subtask{sub(models.PhaseClassify, models.SubtaskStatusCompleted, 1)}, models.OfferStatusRunning},
		{"Failed sibling while others still run", []*models.Subtask{
			sub(models.PhaseBatchProject, models.SubtaskStatusFailed, 1),
			sub(models.PhaseBatchExtras, models.SubtaskStatusRunning, 0),
		}, models.OfferStatusRunning},
		{"Failed", []*models.Subtask{
			sub(models.PhaseClassify, models.SubtaskStatusCompleted, 1),
			sub(models.PhaseBatchProject, models.SubtaskStatusFailed, 1),
		}, models.OfferStatusFailed},
		{"Cancelled wins over failed", []*models.Subtask{
			sub(models.PhaseBatchProject, models.SubtaskStatusFailed, 1),
			sub(models.PhaseBatchExtras, models.SubtaskStatusCancelled, 1),
		}, models.OfferStatusCancelled},
		{"Recompose completed", []*models.Subtask{
			sub(models.PhaseClassify, models.SubtaskStatusCompleted, 1),
			sub(models.PhaseRecompose, models.SubtaskStatusCompleted, 1),
		}, models.OfferStatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveOfferStatus(tt.subtasks))
		})
	}
}

func TestDeriveTaskStatus(t *testing.T) {
	assert.Equal(t, models.TaskStatusCompleted, DeriveTaskStatus(OfferCounts{Completed: 1, Failed: 2}, false))
	assert.Equal(t, models.TaskStatusFailed, DeriveTaskStatus(OfferCounts{Failed: 3}, false))
	assert.Equal(t, models.TaskStatusCancelled, DeriveTaskStatus(OfferCounts{Completed: 1, Cancelled: 1}, true))
	assert.Equal(t, models.TaskStatusCompleted, DeriveTaskStatus(OfferCounts{Completed: 2}, true))
	assert.Equal(t, models.TaskStatusCancelled, DeriveTaskStatus(OfferCounts{Cancelled: 2}, false))
}

func TestTransitions(t *testing.T) {
	assert.True(t, models.CanTransitionTask(models.TaskStatusPending, models.TaskStatusRunning))
	assert.True(t, models.CanTransitionTask(models.TaskStatusRunning, models.TaskStatusCancelled))
	assert.False(t, models.CanTransitionTask(models.TaskStatusCompleted, models.TaskStatusRunning))
	assert.False(t, models.CanTransitionTask(models.TaskStatusRunning, models.TaskStatusPending))
	assert.False(t, models.CanTransitionOffer(models.OfferStatusFailed, models.OfferStatusCompleted))
	assert.False(t, models.CanTransitionSubtask(models.SubtaskStatusCompleted, models.SubtaskStatusFailed))
	assert.True(t, models.CanTransitionSubtask(models.SubtaskStatusRunning, models.SubtaskStatusCancelled))
}

func TestBuildReport(t *testing.T) {
	taskID := uuid.New()
	offerID := uuid.New()
	task := &models.Task{ID: taskID, Status: models.TaskStatusCompleted, TotalOffers: 2, CompletedOffers: 1, CreditsDebited: 2, CreditsRefunded: 1}
	offers := []*models.Offer{
		{ID: offerID, TaskID: taskID, Index: 0, Status: models.OfferStatusCompleted},
		{ID: uuid.New(), TaskID: taskID, Index: 1, Status: models.OfferStatusFailed},
	}
	model := "test-model"
	subtasks := []*models.Subtask{
		{OfferID: offerID, Phase: models.PhaseClassify, Status: models.SubtaskStatusCompleted, DurationMs: 100, PromptTokens: 10, CostUSD: 0.1, Model: &model},
		{OfferID: offerID, Phase: models.PhaseBatchExperience, Status: models.SubtaskStatusCompleted, DurationMs: 300, PromptTokens: 10, CostUSD: 0.1},
		{OfferID: offerID, Phase: models.PhaseBatchProject, Status: models.SubtaskStatusCompleted, DurationMs: 200, PromptTokens: 10, CostUSD: 0.1},
		{OfferID: offerID, Phase: models.PhaseBatchExtras, Status: models.SubtaskStatusCompleted, DurationMs: 50, PromptTokens: 10, CostUSD: 0.1},
		{OfferID: offerID, Phase: models.PhaseBatchSkills, Status: models.SubtaskStatusCompleted, DurationMs: 80, CompletionTokens: 5},
		{OfferID: offerID, Phase: models.PhaseBatchSummary, Status: models.SubtaskStatusCompleted, DurationMs: 120, CachedTokens: 3},
		{OfferID: offerID, Phase: models.PhaseRecompose, Status: models.SubtaskStatusCompleted, DurationMs: 400},
	}

	report := BuildReport(task, offers, subtasks)
	is := assert.New(t)
	is.Equal("1 of 2 succeeded", report.Summary)
	is.Len(report.Offers, 2)

	first := report.Offers[0]
	// 100 + max(300,200,50) + max(80,120) + 400
	is.Equal(int64(920), first.WallClockMs)
	is.Equal(int64(1250), first.SummedMs)
	is.Equal(40, first.Usage.PromptTokens)
	is.Equal(5, first.Usage.CompletionTokens)
	is.Equal(3, first.Usage.CachedTokens)
	is.InDelta(0.4, first.Usage.CostUSD, 1e-9)
	is.Equal("test-model", first.Subtasks[0].Model)

	is.Equal(int64(920), report.WallClockMs)
	is.Equal(int64(1250), report.SummedMs)
	is.Equal(int64(0), report.Offers[1].WallClockMs)
	is.Equal(int64(1), report.CreditsRefunded)
}

func TestBuildReport_DurationsFromTimestamps(t *testing.T) {
	offerID := uuid.New()
	task := &models.Task{ID: uuid.New(), Status: models.TaskStatusCompleted, TotalOffers: 1, CompletedOffers: 1}
	offers := []*models.Offer{{ID: offerID, Status: models.OfferStatusCompleted}}

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	at := func(ms int) *time.Time {
		ts := start.Add(time.Duration(ms) * time.Millisecond)
		return &ts
	}
	timed := func(phase models.PhaseType, from, to int) *models.Subtask {
		return &models.Subtask{
			OfferID:     offerID,
			Phase:       phase,
			Status:      models.SubtaskStatusCompleted,
			StartedAt:   *at(from),
			CompletedAt: at(to),
		}
	}
	subtasks := []*models.Subtask{
		timed(models.PhaseClassify, 0, 100),
		timed(models.PhaseBatchExperience, 100, 400),
		timed(models.PhaseBatchProject, 100, 300),
		timed(models.PhaseBatchExtras, 100, 150),
		timed(models.PhaseBatchSkills, 400, 480),
		timed(models.PhaseBatchSummary, 400, 520),
		// Незавершенная подзадача: берется DurationMs
		{OfferID: offerID, Phase: models.PhaseRecompose, Status: models.SubtaskStatusRunning, StartedAt: *at(520), DurationMs: 40},
	}

	report := BuildReport(task, offers, subtasks)
	first := report.Offers[0]
	assert.Equal(t, int64(100+300+120+40), first.WallClockMs)
	assert.Equal(t, int64(100+300+200+50+80+120+40), first.SummedMs)
	assert.Equal(t, int64(300), first.Subtasks[1].DurationMs)
	assert.Equal(t, int64(40), first.Subtasks[6].DurationMs)
}

func TestNextPhase(t *testing.T) {
	assert.Equal(t, models.PhaseClassify, nextPhase(nil))
	assert.Equal(t, models.PhaseBatchExperience, nextPhase([]*models.Subtask{sub(models.PhaseClassify, models.SubtaskStatusCompleted, 0)}))
	assert.Equal(t, models.PhaseBatchSkills, nextPhase([]*models.Subtask{
		sub(models.PhaseClassify, models.SubtaskStatusCompleted, 0),
		sub(models.PhaseBatchProject, models.SubtaskStatusCompleted, 0),
	}))
	assert.Equal(t, models.PhaseRecompose, nextPhase([]*models.Subtask{sub(models.PhaseRecompose, models.SubtaskStatusFailed, 0)}))
}
