package domain

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusTodo, StatusInProgress},
		{StatusInProgress, StatusTodo},
		{StatusTodo, StatusBlocked},
		{StatusInProgress, StatusBlocked},
		{StatusBlocked, StatusTodo},
		{StatusBlocked, StatusInProgress},
		{StatusInProgress, StatusDone},
		{StatusTodo, StatusDone},
		{StatusDone, StatusTodo},
		{StatusTodo, StatusArchived},
		{StatusInProgress, StatusArchived},
		{StatusBlocked, StatusArchived},
		{StatusDone, StatusArchived},
		{StatusTodo, StatusTodo},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be legal", tr[0], tr[1])
		}
	}

	illegal := [][2]Status{
		{StatusBlocked, StatusDone},
		{StatusDone, StatusInProgress},
		{StatusDone, StatusBlocked},
		{StatusArchived, StatusTodo},
		{StatusArchived, StatusInProgress},
		{StatusArchived, StatusArchived},
		{StatusTodo, Status("later")},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}

func TestArchivedHasNoOutgoingTransitions(t *testing.T) {
	for _, s := range Statuses {
		if CanTransition(StatusArchived, s) {
			t.Fatalf("archived -> %s should be illegal", s)
		}
	}
	if next := StatusArchived.Next(); len(next) != 0 {
		t.Fatalf("archived.Next() = %v", next)
	}
	if !StatusArchived.Terminal() {
		t.Fatalf("archived must be terminal")
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition("t1", StatusTodo, StatusDone); err != nil {
		t.Fatalf("todo -> done: %v", err)
	}

	err := ValidateTransition("t1", StatusArchived, StatusTodo)
	var transitionErr *InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if transitionErr.TaskID != "t1" || transitionErr.From != StatusArchived || transitionErr.To != StatusTodo {
		t.Fatalf("unexpected error fields: %+v", transitionErr)
	}
	if KindOf(err) != KindInvalidTransition {
		t.Fatalf("KindOf = %s", KindOf(err))
	}

	if err := ValidateTransition("t1", StatusTodo, Status("nope")); KindOf(err) != KindValidation {
		t.Fatalf("unknown status: expected validation error, got %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" In_Progress ")
	if err != nil || s != StatusInProgress {
		t.Fatalf("ParseStatus = %q, %v", s, err)
	}
	if _, err := ParseStatus("waiting"); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParsePriority(t *testing.T) {
	tests := map[string]Priority{
		"":     PriorityMedium,
		"HIGH": PriorityHigh,
	}
	for in, want := range tests {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePriority("urgent"); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
