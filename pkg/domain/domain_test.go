package domain

import (
	"testing"
)

func TestTaskStatusMarshalText(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   string
	}{
		{"pending", TaskPending, "PENDING"},
		{"processing", TaskProcessing, "PROCESSING"},
		{"completed", TaskCompleted, "COMPLETED"},
		{"failed", TaskFailed, "FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.status.MarshalText()
			if err != nil {
				t.Errorf("MarshalText() error = %v", err)
				return
			}
			if string(got) != tt.want {
				t.Errorf("MarshalText() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestJobStatusMarshalBinary(t *testing.T) {
	tests := []struct {
		name   string
		status JobStatus
		want   string
	}{
		{"processing", JobProcessing, "PROCESSING"},
		{"completed", JobCompleted, "COMPLETED"},
		{"failed", JobFailed, "FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.status.MarshalBinary()
			if err != nil {
				t.Errorf("MarshalBinary() error = %v", err)
				return
			}
			if string(got) != tt.want {
				t.Errorf("MarshalBinary() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestTaskStatusCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskProcessing, true},
		{TaskPending, TaskCompleted, true},
		{TaskPending, TaskFailed, true},
		{TaskProcessing, TaskCompleted, true},
		{TaskProcessing, TaskFailed, true},
		{TaskProcessing, TaskPending, false},
		{TaskProcessing, TaskProcessing, false},
		{TaskCompleted, TaskFailed, false},
		{TaskFailed, TaskCompleted, false},
		{TaskCompleted, TaskPending, false},
		{TaskPending, TaskStatus("BOGUS"), false},
		{TaskStatus("BOGUS"), TaskCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	if TaskPending.Terminal() || TaskProcessing.Terminal() {
		t.Error("non-terminal task statuses reported terminal")
	}
	if !TaskCompleted.Terminal() || !TaskFailed.Terminal() {
		t.Error("terminal task statuses reported non-terminal")
	}
	if JobProcessing.Terminal() {
		t.Error("PROCESSING job reported terminal")
	}
	if !JobCompleted.Terminal() || !JobFailed.Terminal() {
		t.Error("terminal job statuses reported non-terminal")
	}
}

func TestJobProgressPercent(t *testing.T) {
	tests := []struct {
		name string
		p    JobProgress
		want float64
	}{
		{"empty", JobProgress{}, 0},
		{"half", JobProgress{Completed: 2, Total: 4}, 50},
		{"done", JobProgress{Completed: 3, Total: 3}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Percent(); got != tt.want {
				t.Errorf("Percent() = %v, want %v", got, tt.want)
			}
		})
	}
}
