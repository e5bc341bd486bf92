package domain

import "sort"

// Column is the ordered list of tasks sharing one status.
type Column struct {
	Status Status `json:"status"`
	Tasks  []Task `json:"tasks"`
}

// Board is the per-column view of an event's tasks. It is derived on every
// read and never stored.
type Board struct {
	EventID string   `json:"eventId"`
	Columns []Column `json:"columns"`
	Total   int      `json:"total"`
}

// Project partitions tasks by status and orders each column by position.
func Project(eventID string, tasks []Task) Board {
	byStatus := make(map[Status][]Task, len(Statuses))
	for _, t := range tasks {
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}

	board := Board{EventID: eventID, Columns: make([]Column, 0, len(Statuses)), Total: len(tasks)}
	for _, s := range Statuses {
		col := byStatus[s]
		SortColumn(col)
		if col == nil {
			col = []Task{}
		}
		board.Columns = append(board.Columns, Column{Status: s, Tasks: col})
	}
	return board
}

// Column returns the ordered tasks of the given status.
func (b Board) Column(s Status) []Task {
	for _, c := range b.Columns {
		if c.Status == s {
			return c.Tasks
		}
	}
	return nil
}

// SortColumn orders tasks by ascending position, breaking ties by id.
func SortColumn(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].ID < tasks[j].ID
	})
}
