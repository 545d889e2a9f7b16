package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/quality"
)

type assessOutput struct {
	quality.Assessment
	Cadence quality.Cadence `json:"cadence"`
}

func newAssessCmd() *cobra.Command {
	var (
		file string
		at   string
	)
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Score target quality metrics read from a JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open metrics: %w", err)
				}
				defer f.Close()
				in = f
			}
			now := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				now = parsed
			}
			return assess(in, cmd.OutOrStdout(), now)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "metrics JSON file, - for stdin")
	cmd.Flags().StringVar(&at, "at", "", "evaluation time (RFC3339), defaults to now")
	return cmd
}

func assess(in io.Reader, out io.Writer, now time.Time) error {
	var m harvest.QualityMetrics
	if err := json.NewDecoder(in).Decode(&m); err != nil {
		return fmt.Errorf("decode metrics: %w", err)
	}
	a := quality.Assess(m, now)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(assessOutput{Assessment: a, Cadence: quality.ShouldReduceFrequency(m, a)})
}
