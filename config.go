package cunqa

import (
	"os"
	"path/filepath"
	"time"
)

// Bind modes for server and channel sockets.
const (
	ModeHPC       = "hpc"
	ModeCoLocated = "co_located"
)

// Config carries the per-process settings a QPU or executor is launched with.
type Config struct {
	Store     string // root of the .cunqa state directory
	JobID     string
	TaskPID   string
	Nodename  string
	Mode      string // ModeHPC or ModeCoLocated
	Name      string
	Family    string
	Group     string
	Simulator string // numerical kernel selector
	CommType  string // "none", "cc" or "qc"
	DialRetry int
	DialPause time.Duration
}

// NewConfig reads the batch-scheduler environment and fills in the
// defaults that make local development work without SLURM.
func NewConfig() *Config {
	return &Config{
		Store:     envOr("STORE", os.Getenv("HOME")),
		JobID:     envOr("SLURM_JOB_ID", "UNKNOWN"),
		TaskPID:   envOr("SLURM_TASK_PID", "UNKNOWN"),
		Nodename:  envOr("SLURMD_NODENAME", "login"),
		Mode:      ModeHPC,
		Simulator: "statevector",
		CommType:  "none",
		DialRetry: 10,
		DialPause: 100 * time.Millisecond,
	}
}

// QPUsPath is the discovery file QPU processes register in.
func (c *Config) QPUsPath() string {
	return filepath.Join(c.Store, ".cunqa", "qpus.json")
}

// CommsPath is the rendezvous file for classical channels.
func (c *Config) CommsPath() string {
	return filepath.Join(c.Store, ".cunqa", "communications.json")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
