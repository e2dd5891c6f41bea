package pipeline

import (
	"fmt"

	"resume-server/internal/models"

	"github.com/google/uuid"
)

// SubtaskView - подзадача в отчете.
type SubtaskView struct {
	ID               uuid.UUID            `json:"id"`
	Phase            models.PhaseType     `json:"phase"`
	Status           models.SubtaskStatus `json:"status"`
	Model            string               `json:"model,omitempty"`
	PromptTokens     int                  `json:"prompt_tokens"`
	CachedTokens     int                  `json:"cached_tokens"`
	CompletionTokens int                  `json:"completion_tokens"`
	CostUSD          float64              `json:"cost_usd"`
	DurationMs       int64                `json:"duration_ms"`
	ErrorMessage     string               `json:"error_message,omitempty"`
}

// Usage - суммарное потребление.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CachedTokens     int     `json:"cached_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

func (u *Usage) add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CachedTokens += o.CachedTokens
	u.CompletionTokens += o.CompletionTokens
	u.CostUSD += o.CostUSD
}

// OfferReport - аналитика по вакансии.
type OfferReport struct {
	OfferID      uuid.UUID          `json:"offer_id"`
	Index        int                `json:"index"`
	Posting      models.Posting     `json:"posting"`
	Status       models.OfferStatus `json:"status"`
	DocumentRef  string             `json:"document_ref,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	// WallClockMs - сумма по группам максимальной длительности фазы в группе.
	WallClockMs int64 `json:"wall_clock_ms"`
	// SummedMs - сумма длительностей всех фаз.
	SummedMs int64         `json:"summed_ms"`
	Usage    Usage         `json:"usage"`
	Subtasks []SubtaskView `json:"subtasks"`
}

// TaskReport - аналитика по задаче.
type TaskReport struct {
	TaskID          uuid.UUID             `json:"task_id"`
	Status          models.TaskStatus     `json:"status"`
	Mode            models.GenerationMode `json:"mode"`
	TotalOffers     int                   `json:"total_offers"`
	CompletedOffers int                   `json:"completed_offers"`
	Summary         string                `json:"summary"`
	CreditsDebited  int64                 `json:"credits_debited"`
	CreditsRefunded int64                 `json:"credits_refunded"`
	// WallClockMs - максимум по вакансиям, вакансии выполняются параллельно.
	WallClockMs int64         `json:"wall_clock_ms"`
	SummedMs    int64         `json:"summed_ms"`
	Usage       Usage         `json:"usage"`
	Offers      []OfferReport `json:"offers"`
}

// SuccessSummary возвращает строку вида "2 of 3 succeeded".
func SuccessSummary(completed, total int) string {
	return fmt.Sprintf("%d of %d succeeded", completed, total)
}

// BuildReport собирает отчет. Длительности вычисляются при чтении и нигде не хранятся.
func BuildReport(task *models.Task, offers []*models.Offer, subtasks []*models.Subtask) *TaskReport {
	byOffer := make(map[uuid.UUID][]*models.Subtask, len(offers))
	for _, st := range subtasks {
		byOffer[st.OfferID] = append(byOffer[st.OfferID], st)
	}

	report := &TaskReport{
		TaskID:          task.ID,
		Status:          task.Status,
		Mode:            task.Mode,
		TotalOffers:     task.TotalOffers,
		CompletedOffers: task.CompletedOffers,
		Summary:         SuccessSummary(task.CompletedOffers, task.TotalOffers),
		CreditsDebited:  task.CreditsDebited,
		CreditsRefunded: task.CreditsRefunded,
		Offers:          make([]OfferReport, 0, len(offers)),
	}
	for _, offer := range offers {
		or := buildOfferReport(offer, byOffer[offer.ID])
		report.SummedMs += or.SummedMs
		if or.WallClockMs > report.WallClockMs {
			report.WallClockMs = or.WallClockMs
		}
		report.Usage.add(or.Usage)
		report.Offers = append(report.Offers, or)
	}
	return report
}

func buildOfferReport(offer *models.Offer, subtasks []*models.Subtask) OfferReport {
	or := OfferReport{
		OfferID:  offer.ID,
		Index:    offer.Index,
		Posting:  offer.Posting,
		Status:   offer.Status,
		Subtasks: make([]SubtaskView, 0, len(subtasks)),
	}
	if offer.OutputDocumentRef != nil {
		or.DocumentRef = *offer.OutputDocumentRef
	}
	if offer.ErrorMessage != nil {
		or.ErrorMessage = *offer.ErrorMessage
	}

	groupMax := make([]int64, len(models.PhaseGroups))
	for _, st := range subtasks {
		duration := subtaskDurationMs(st)
		view := SubtaskView{
			ID:               st.ID,
			Phase:            st.Phase,
			Status:           st.Status,
			PromptTokens:     st.PromptTokens,
			CachedTokens:     st.CachedTokens,
			CompletionTokens: st.CompletionTokens,
			CostUSD:          st.CostUSD,
			DurationMs:       duration,
		}
		if st.Model != nil {
			view.Model = *st.Model
		}
		if st.ErrorMessage != nil {
			view.ErrorMessage = *st.ErrorMessage
		}
		or.Subtasks = append(or.Subtasks, view)

		or.SummedMs += duration
		or.Usage.add(Usage{
			PromptTokens:     st.PromptTokens,
			CachedTokens:     st.CachedTokens,
			CompletionTokens: st.CompletionTokens,
			CostUSD:          st.CostUSD,
		})
		if g := PhaseGroupIndex(st.Phase); g >= 0 && duration > groupMax[g] {
			groupMax[g] = duration
		}
	}
	for _, d := range groupMax {
		or.WallClockMs += d
	}
	return or
}

// subtaskDurationMs считает длительность по отметкам времени. DurationMs используется,
// только если подзадача еще не завершена.
func subtaskDurationMs(st *models.Subtask) int64 {
	if st.CompletedAt == nil {
		return st.DurationMs
	}
	if d := st.CompletedAt.Sub(st.StartedAt).Milliseconds(); d > 0 {
		return d
	}
	return 0
}
