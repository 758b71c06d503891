package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/flow-nest/go-sampler/internal/trace"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to flownest.db")
	last := flag.Int("last", 20, "show N most recent runs")
	run := flag.String("run", "", "show single run detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/flownest.db [--last N] [--run id] [--json]")
		os.Exit(2)
	}

	store, err := trace.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *run != "" {
		if err := runDetailMode(store, *run, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	} else {
		if err := runListMode(store, *last, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	RunID     string  `json:"run_id"`
	Status    string  `json:"status"`
	LogZ      float64 `json:"logz"`
	CreatedAt string  `json:"created_at"`
}

func runListMode(store *trace.Store, last int, jsonOut bool) error {
	runs, err := store.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	// Store returns DESC, reverse for chronological.
	rows := make([]listRow, len(runs))
	for i, r := range runs {
		rows[len(runs)-1-i] = listRow{
			RunID:     r.RunID,
			Status:    r.Status,
			LogZ:      r.LogZ,
			CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	if jsonOut {
		return printJSON(rows)
	}
	return printListTable(rows)
}

func printListTable(rows []listRow) error {
	fmt.Printf("%-12s  %-10s  %10s  %s\n", "Run", "Status", "LogZ", "Time")
	fmt.Printf("%-12s+-%-10s+-%10s+-%s\n",
		"------------", "----------", "----------", "--------------------")
	for _, r := range rows {
		status := r.Status
		if status == "" {
			status = "running"
		}
		fmt.Printf("%-12s  %-10s  %10.4f  %s\n",
			shortID(r.RunID), status, r.LogZ, r.CreatedAt)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	RunID      string          `json:"run_id"`
	CreatedAt  string          `json:"created_at"`
	Status     string          `json:"status"`
	LogZ       float64         `json:"logz"`
	Info       float64         `json:"info"`
	DeadPoints int             `json:"dead_points"`
	Trainings  []trainingRow   `json:"trainings,omitempty"`
	ConfigJSON json.RawMessage `json:"config,omitempty"`
}

type trainingRow struct {
	Iteration  int     `json:"iteration"`
	Epochs     int     `json:"epochs"`
	ValLoss    float64 `json:"val_loss"`
	Acceptance float64 `json:"acceptance"`
}

func runDetailMode(store *trace.Store, runID string, jsonOut bool) error {
	rec, err := store.Summary(runID)
	if err != nil {
		return err
	}
	events, err := store.TrainingEvents(runID)
	if err != nil {
		return err
	}

	out := detailOutput{
		RunID:      rec.RunID,
		CreatedAt:  rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Status:     rec.Status,
		LogZ:       rec.LogZ,
		Info:       rec.Info,
		DeadPoints: rec.DeadPoints,
	}
	for _, ev := range events {
		out.Trainings = append(out.Trainings, trainingRow{
			Iteration:  ev.Iteration,
			Epochs:     ev.Epochs,
			ValLoss:    ev.ValLoss,
			Acceptance: ev.Acceptance,
		})
	}
	if json.Valid([]byte(rec.ConfigJSON)) {
		out.ConfigJSON = json.RawMessage(rec.ConfigJSON)
	}

	if jsonOut {
		return printJSON(out)
	}

	status := out.Status
	if status == "" {
		status = "running"
	}
	fmt.Printf("Run:         %s\n", out.RunID)
	fmt.Printf("Created:     %s\n", out.CreatedAt)
	fmt.Printf("Status:      %s\n", status)
	fmt.Printf("LogZ:        %.4f\n", out.LogZ)
	fmt.Printf("Info:        %.4f\n", out.Info)
	fmt.Printf("Dead Points: %d\n", out.DeadPoints)

	if len(out.Trainings) > 0 {
		fmt.Printf("\nFlow trainings:\n")
		fmt.Printf("  %10s  %8s  %10s  %10s\n", "Iteration", "Epochs", "Val Loss", "Accept")
		for _, tr := range out.Trainings {
			fmt.Printf("  %10d  %8d  %10.4f  %10.4f\n",
				tr.Iteration, tr.Epochs, tr.ValLoss, tr.Acceptance)
		}
	}
	return nil
}

// #endregion detail-mode

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
