package models

import (
	"encoding/json"
	"fmt"
)

// PhaseType - шаг AI-пайплайна для одной вакансии.
type PhaseType string

const (
	PhaseClassify        PhaseType = "classify"
	PhaseBatchExperience PhaseType = "batch_experience"
	PhaseBatchProject    PhaseType = "batch_project"
	PhaseBatchExtras     PhaseType = "batch_extras"
	PhaseBatchSkills     PhaseType = "batch_skills"
	PhaseBatchSummary    PhaseType = "batch_summary"
	PhaseRecompose       PhaseType = "recompose"
)

// PhaseGroups - фиксированный порядок групп. Фазы внутри группы выполняются параллельно,
// следующая группа стартует только когда все фазы предыдущей завершились.
var PhaseGroups = [][]PhaseType{
	{PhaseClassify},
	{PhaseBatchExperience, PhaseBatchProject, PhaseBatchExtras},
	{PhaseBatchSkills, PhaseBatchSummary},
	{PhaseRecompose},
}

// AllPhases возвращает все фазы в порядке групп.
func AllPhases() []PhaseType {
	phases := make([]PhaseType, 0, 7)
	for _, group := range PhaseGroups {
		phases = append(phases, group...)
	}
	return phases
}

// IsSection сообщает, относится ли фаза к batch-группам.
func (p PhaseType) IsSection() bool {
	switch p {
	case PhaseBatchExperience, PhaseBatchProject, PhaseBatchExtras, PhaseBatchSkills, PhaseBatchSummary:
		return true
	}
	return false
}

// Valid проверяет, что фаза известна.
func (p PhaseType) Valid() bool {
	return p == PhaseClassify || p == PhaseRecompose || p.IsSection()
}

// PhaseInput - вход фазы. Конкретный вариант определяется фазой.
type PhaseInput interface {
	Phase() PhaseType
	isPhaseInput()
}

// PhaseOutput - результат фазы.
type PhaseOutput interface {
	Phase() PhaseType
	isPhaseOutput()
}

// ClassifyInput - вход фазы classify.
type ClassifyInput struct {
	SourceDocument json.RawMessage `json:"source_document"`
	Posting        Posting         `json:"posting"`
	Mode           GenerationMode  `json:"mode"`
}

// ClassifyOutput - разбор вакансии, который используют последующие фазы.
type ClassifyOutput struct {
	Role      string   `json:"role"`
	Seniority string   `json:"seniority,omitempty"`
	Keywords  []string `json:"keywords"`
	Focus     string   `json:"focus,omitempty"`
}

// SectionInput - вход batch-фаз. Section совпадает с фазой.
type SectionInput struct {
	Section        PhaseType                     `json:"section"`
	SourceDocument json.RawMessage               `json:"source_document"`
	Posting        Posting                       `json:"posting"`
	Mode           GenerationMode                `json:"mode"`
	Classification ClassifyOutput                `json:"classification"`
	Prior          map[PhaseType]json.RawMessage `json:"prior,omitempty"`
}

// SectionOutput - переписанная секция резюме. Формат секции непрозрачен для оркестратора.
type SectionOutput struct {
	Section PhaseType       `json:"section"`
	Content json.RawMessage `json:"content"`
}

// RecomposeInput - вход финальной сборки документа.
type RecomposeInput struct {
	SourceDocument json.RawMessage               `json:"source_document"`
	Posting        Posting                       `json:"posting"`
	Mode           GenerationMode                `json:"mode"`
	Classification ClassifyOutput                `json:"classification"`
	Sections       map[PhaseType]json.RawMessage `json:"sections"`
}

// RecomposeOutput - готовый документ резюме.
type RecomposeOutput struct {
	Document json.RawMessage `json:"document"`
}

func (ClassifyInput) Phase() PhaseType { return PhaseClassify }
func (in SectionInput) Phase() PhaseType { return in.Section }
func (RecomposeInput) Phase() PhaseType { return PhaseRecompose }
func (ClassifyOutput) Phase() PhaseType { return PhaseClassify }
func (out SectionOutput) Phase() PhaseType { return out.Section }
func (RecomposeOutput) Phase() PhaseType { return PhaseRecompose }

func (ClassifyInput) isPhaseInput() {}
func (SectionInput) isPhaseInput() {}
func (RecomposeInput) isPhaseInput() {}
func (ClassifyOutput) isPhaseOutput() {}
func (SectionOutput) isPhaseOutput() {}
func (RecomposeOutput) isPhaseOutput() {}

type payloadEnvelope struct {
	Phase PhaseType       `json:"phase"`
	Data  json.RawMessage `json:"data"`
}

// EncodePayload сериализует вход или выход фазы в конверт {"phase": ..., "data": ...}.
func EncodePayload(p interface{ Phase() PhaseType }) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Phase(), err)
	}
	env, err := json.Marshal(payloadEnvelope{Phase: p.Phase(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload envelope: %w", err)
	}
	return env, nil
}

// DecodeInput восстанавливает конкретный вариант входа по конверту.
func DecodeInput(raw json.RawMessage) (PhaseInput, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch {
	case env.Phase == PhaseClassify:
		var in ClassifyInput
		if err := unmarshalData(env, &in); err != nil {
			return nil, err
		}
		return in, nil
	case env.Phase.IsSection():
		var in SectionInput
		if err := unmarshalData(env, &in); err != nil {
			return nil, err
		}
		in.Section = env.Phase
		return in, nil
	case env.Phase == PhaseRecompose:
		var in RecomposeInput
		if err := unmarshalData(env, &in); err != nil {
			return nil, err
		}
		return in, nil
	}
	return nil, fmt.Errorf("unknown phase %q in input payload: %w", env.Phase, ErrInvalidInput)
}

// DecodeOutput восстанавливает конкретный вариант результата по конверту.
func DecodeOutput(raw json.RawMessage) (PhaseOutput, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch {
	case env.Phase == PhaseClassify:
		var out ClassifyOutput
		if err := unmarshalData(env, &out); err != nil {
			return nil, err
		}
		return out, nil
	case env.Phase.IsSection():
		var out SectionOutput
		if err := unmarshalData(env, &out); err != nil {
			return nil, err
		}
		out.Section = env.Phase
		return out, nil
	case env.Phase == PhaseRecompose:
		var out RecomposeOutput
		if err := unmarshalData(env, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown phase %q in output payload: %w", env.Phase, ErrInvalidInput)
}

func decodeEnvelope(raw json.RawMessage) (payloadEnvelope, error) {
	var env payloadEnvelope
	if len(raw) == 0 {
		return env, fmt.Errorf("empty payload: %w", ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal payload envelope: %w", err)
	}
	return env, nil
}

func unmarshalData(env payloadEnvelope, target any) error {
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", env.Phase, err)
	}
	return nil
}
