package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/prescription"
)

type planOptions struct {
	patientID string
	issuedAt  string
	now       string
	diagnosis string
}

// planOutput is what plan prints.
type planOutput struct {
	Plan   prescription.DosingPlan `yaml:"plan"`
	Events []dose.Event            `yaml:"events"`
}

func newPlanCmd() *cobra.Command {
	opts := &planOptions{}
	cmd := &cobra.Command{
		Use:   "plan <prescription text>",
		Short: "Show the dose events a free-text prescription produces",
		Example: `  adherencectl plan "Paracetamol, 500mg, 08:00 AM and 06:00 PM, 3 days" \
    --issued-at 2024-01-01T10:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.patientID, "patient", "patient", "patient id used for the events")
	cmd.Flags().StringVar(&opts.issuedAt, "issued-at", "", "issue time (RFC 3339, default now)")
	cmd.Flags().StringVar(&opts.now, "now", "", "evaluation time (RFC 3339, default issue time)")
	cmd.Flags().StringVar(&opts.diagnosis, "diagnosis", "", "diagnosis carried on the events")
	return cmd
}

func runPlan(cmd *cobra.Command, text string, opts *planOptions) error {
	issuedAt, err := parseTime(opts.issuedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("--issued-at: %w", err)
	}
	now, err := parseTime(opts.now, issuedAt)
	if err != nil {
		return fmt.Errorf("--now: %w", err)
	}

	plan, err := prescription.Parse(prescription.Message{
		PatientID:    opts.patientID,
		Prescription: prescription.FreeText(text),
		IssuedAt:     issuedAt,
		Diagnosis:    opts.diagnosis,
	})
	if err != nil {
		return err
	}
	events, err := dose.Generate(plan, opts.patientID, now)
	if errors.Is(err, dose.ErrEmptySchedule) {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
	} else if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(planOutput{Plan: plan, Events: events})
}

func parseTime(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, s)
}
