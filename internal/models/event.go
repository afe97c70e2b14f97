package models

import "time"

// EventStage этап жизненного цикла соревнования
type EventStage string

const (
	StageRegistrationStart EventStage = "registration-start"
	StageStart             EventStage = "start"
	StageRegistrationEnd   EventStage = "registration-end"
	StageEnd               EventStage = "end"
)

// EventStages все этапы в порядке наступления
var EventStages = []EventStage{StageRegistrationStart, StageStart, StageRegistrationEnd, StageEnd}

// Event соревнование между клиентами
type Event struct {
	ID                int64        `json:"id" db:"id"`
	Name              string       `json:"name" db:"name"`
	RegistrationStart time.Time    `json:"registration_start" db:"registration_start"`
	Start             time.Time    `json:"start" db:"start"`
	RegistrationEnd   time.Time    `json:"registration_end" db:"registration_end"`
	End               time.Time    `json:"end" db:"end"`
	FiredStages       []EventStage `json:"fired_stages,omitempty" db:"fired_stages"`
}

// At момент наступления этапа
func (e *Event) At(stage EventStage) time.Time {
	switch stage {
	case StageRegistrationStart:
		return e.RegistrationStart
	case StageStart:
		return e.Start
	case StageRegistrationEnd:
		return e.RegistrationEnd
	default:
		return e.End
	}
}

// HasFired отработал ли этап
func (e *Event) HasFired(stage EventStage) bool {
	for _, s := range e.FiredStages {
		if s == stage {
			return true
		}
	}
	return false
}
