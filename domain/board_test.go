package domain

import (
	"slices"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func ids(tasks []Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestProjectOrdersColumnsByPosition(t *testing.T) {
	tasks := []Task{
		{ID: "B", Status: StatusTodo, Position: 2},
		{ID: "X", Status: StatusDone, Position: 1},
		{ID: "A", Status: StatusTodo, Position: 1},
		{ID: "C", Status: StatusTodo, Position: 1.5},
		{ID: "D", Status: StatusTodo, Position: 1.25},
		{ID: "Y", Status: StatusInProgress, Position: 1},
	}

	board := Project("ev1", tasks)

	if board.EventID != "ev1" || board.Total != 6 {
		t.Fatalf("unexpected board header: %s/%d", board.EventID, board.Total)
	}
	for status, want := range map[Status][]string{
		StatusTodo:       {"A", "D", "C", "B"},
		StatusInProgress: {"Y"},
		StatusDone:       {"X"},
	} {
		if got := ids(board.Column(status)); !slices.Equal(got, want) {
			t.Fatalf("%s column = %v, want %v", status, got, want)
		}
	}
	if len(board.Columns) != len(Statuses) {
		t.Fatalf("board has %d columns, want %d", len(board.Columns), len(Statuses))
	}
	for i, s := range Statuses {
		if board.Columns[i].Status != s {
			t.Fatalf("column %d is %s, want %s", i, board.Columns[i].Status, s)
		}
	}
}

func TestProjectEmptyColumnsEncodeAsArrays(t *testing.T) {
	board := Project("ev1", nil)

	raw, err := sonic.Marshal(board)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"tasks":[]`) {
		t.Fatalf("empty columns should encode as arrays: %s", raw)
	}
	if board.Total != 0 {
		t.Fatalf("total = %d", board.Total)
	}
}

func TestProjectIsDeterministicOnTies(t *testing.T) {
	tasks := []Task{
		{ID: "b", Status: StatusTodo, Position: 1},
		{ID: "a", Status: StatusTodo, Position: 1},
	}
	first := Project("ev", tasks)
	second := Project("ev", []Task{tasks[1], tasks[0]})
	if a, b := ids(first.Column(StatusTodo)), ids(second.Column(StatusTodo)); !slices.Equal(a, b) {
		t.Fatalf("tie order depends on input: %v vs %v", a, b)
	}
}
