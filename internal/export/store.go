package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Store writes run artifacts under a base directory, one subdirectory per
// run with JSON metadata and a CSV trajectory.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// RunMetadata describes one solved or simulated trajectory.
type RunMetadata struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Timestamp  time.Time          `json:"timestamp"`
	Horizon    float64            `json:"horizon"`
	Intervals  int                `json:"intervals"`
	Integrator string             `json:"integrator,omitempty"`
	Backend    string             `json:"backend"`
	Objective  float64            `json:"objective"`
	Iterations int                `json:"iterations"`
	SolveTime  float64            `json:"solve_time_seconds"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// Trajectory is the sampled data written to CSV. StateNames and
// ControlNames label the columns; Controls may be one row shorter than
// States (no control at the terminal point), the last row is then padded
// by repeating the final control.
type Trajectory struct {
	Times        []float64
	StateNames   []string
	States       [][]float64
	ControlNames []string
	Controls     [][]float64
}

// Save writes metadata.json and trajectory.csv into a fresh run directory
// named after the model and the current Unix time, and returns the run ID.
func (s *Store) Save(meta RunMetadata, traj *Trajectory) (string, error) {
	runID := fmt.Sprintf("%s_%d", filepath.Base(meta.Model), time.Now().Unix())
	runDir := filepath.Join(s.baseDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", envErrf(runDir, "cannot create run directory: %v", err)
	}
	meta.ID = runID
	meta.Timestamp = time.Now()

	metaFile, err := os.Create(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		return "", envErrf(runDir, "create metadata.json: %v", err)
	}
	defer metaFile.Close()
	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", err
	}

	if traj == nil || len(traj.Times) == 0 {
		return runID, nil
	}
	csvFile, err := os.Create(filepath.Join(runDir, "trajectory.csv"))
	if err != nil {
		return "", envErrf(runDir, "create trajectory.csv: %v", err)
	}
	defer csvFile.Close()
	if err := writeTrajectory(csvFile, traj); err != nil {
		return "", err
	}
	return runID, nil
}

func writeTrajectory(f *os.File, traj *Trajectory) error {
	w := csv.NewWriter(f)
	defer w.Flush()

	header := append([]string{"time"}, traj.StateNames...)
	header = append(header, traj.ControlNames...)
	if err := w.Write(header); err != nil {
		return err
	}

	for i, t := range traj.Times {
		row := []string{formatF(t)}
		for _, v := range traj.States[i] {
			row = append(row, formatF(v))
		}
		ui := i
		if ui >= len(traj.Controls) {
			ui = len(traj.Controls) - 1
		}
		if ui >= 0 {
			for _, v := range traj.Controls[ui] {
				row = append(row, formatF(v))
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

func formatF(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
