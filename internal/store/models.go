package store

import "time"

type Run struct {
	RunID      string     `json:"run_id"`
	Arch       string     `json:"arch"`
	Mode       string     `json:"mode"`
	ProfileDir string     `json:"profile_dir"`
	Status     string     `json:"status"`
	Host       string     `json:"host,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	InputsJSON []byte     `json:"-"`
	ResultJSON []byte     `json:"-"`
}

type Measurement struct {
	RunID          string    `json:"run_id"`
	LocalBatchSize int       `json:"local_batch_size"`
	MaxNumModels   int       `json:"max_num_models"`
	Attempts       int       `json:"attempts"`
	Command        string    `json:"command,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}
