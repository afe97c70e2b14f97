package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"tradetracker/internal/models"
)

// ListPendingEvents соревнования с неотмеченными этапами, закончившиеся после after
func (s *Store) ListPendingEvents(ctx context.Context, after time.Time) ([]*models.Event, error) {
	query := `
		SELECT id, name, registration_start, start, registration_end, "end", fired_stages
		FROM events
		WHERE cardinality(fired_stages) < $1 AND "end" > $2
		ORDER BY registration_start, id`

	rows, err := s.db.QueryContext(ctx, query, len(models.EventStages), after.UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e := &models.Event{}
		var fired pq.StringArray
		if err := rows.Scan(
			&e.ID,
			&e.Name,
			&e.RegistrationStart,
			&e.Start,
			&e.RegistrationEnd,
			&e.End,
			&fired,
		); err != nil {
			return nil, err
		}
		for _, stage := range fired {
			e.FiredStages = append(e.FiredStages, models.EventStage(stage))
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventStage атомарно добавляет этап в fired_stages. Возвращает false,
// если этап уже был отмечен (повторный запуск или другой экземпляр).
func (s *Store) MarkEventStage(ctx context.Context, eventID int64, stage models.EventStage) (bool, error) {
	query := `
		UPDATE events
		SET fired_stages = array_append(fired_stages, $2)
		WHERE id = $1 AND NOT ($2 = ANY(fired_stages))`

	result, err := s.db.ExecContext(ctx, query, eventID, string(stage))
	if err != nil {
		return false, fmt.Errorf("mark event %d stage %s: %w", eventID, stage, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
