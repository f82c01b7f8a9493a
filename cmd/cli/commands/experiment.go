package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbiterml/modelplane/pkg/models"
)

type ExperimentStartOptions struct {
	Tenant         string
	Label          string
	Mode           string
	ControlVersion string
	VariantVersion string
	MinSamples     int64
	Confidence     float64
	Seed           int64
}

func NewExperimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Manage shadow and interleaved experiments",
	}

	cmd.AddCommand(newExperimentStartCmd())
	cmd.AddCommand(newExperimentStatusCmd())
	cmd.AddCommand(newExperimentConcludeCmd())

	return cmd
}

func newExperimentStartCmd() *cobra.Command {
	opts := &ExperimentStartOptions{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an experiment comparing two versions",
		Long: `Start a shadow or interleaved experiment on one of a tenant's label
streams. Shadow experiments mirror traffic to the variant without serving
it; interleaved experiments split live traffic by Thompson sampling.`,
		Example: `  # Shadow v2 against the serving version on the toxicity stream
  modelplane experiment start --tenant acme --label toxicity --mode shadow \
    --control v1 --variant v2

  # Interleaved A/B with a fixed seed
  modelplane experiment start --tenant acme --label spam --mode interleaved \
    --control v1 --variant v2 --seed 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperimentStart(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "Tenant identifier (required)")
	cmd.Flags().StringVar(&opts.Label, "label", "", "Label stream (required)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "shadow", "Experiment mode (shadow, interleaved)")
	cmd.Flags().StringVar(&opts.ControlVersion, "control", "", "Control version id (required)")
	cmd.Flags().StringVar(&opts.VariantVersion, "variant", "", "Variant version id (required)")
	cmd.Flags().Int64Var(&opts.MinSamples, "min-samples", 0, "Minimum samples per arm before concluding")
	cmd.Flags().Float64Var(&opts.Confidence, "confidence", 0, "Confidence level for the significance test")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "Seed for deterministic arm allocation")

	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("label")
	cmd.MarkFlagRequired("control")
	cmd.MarkFlagRequired("variant")

	return cmd
}

func runExperimentStart(cmd *cobra.Command, opts *ExperimentStartOptions) error {
	body := struct {
		TenantID       string  `json:"tenant_id"`
		Label          string  `json:"label"`
		Mode           string  `json:"mode"`
		ControlVersion string  `json:"control_version"`
		VariantVersion string  `json:"variant_version"`
		MinSampleSize  int64   `json:"min_sample_size,omitempty"`
		Confidence     float64 `json:"confidence,omitempty"`
		Seed           int64   `json:"seed,omitempty"`
	}{
		TenantID:       opts.Tenant,
		Label:          opts.Label,
		Mode:           opts.Mode,
		ControlVersion: opts.ControlVersion,
		VariantVersion: opts.VariantVersion,
		MinSampleSize:  opts.MinSamples,
		Confidence:     opts.Confidence,
		Seed:           opts.Seed,
	}

	client := newClientFromConfig()
	var experiment models.Experiment
	if err := client.Post(cmd.Context(), "/api/v1/experiments", body, &experiment); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &experiment)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s started: %s vs %s (%s, label %s)\n",
		experiment.ID, experiment.ControlVersion, experiment.VariantVersion, experiment.Mode, experiment.Label)
	return nil
}

func newExperimentStatusCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "status [experiment-id]",
		Short: "Show one experiment, or list a tenant's experiments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runExperimentStatus(cmd, args[0])
			}
			if tenant == "" {
				return fmt.Errorf("either an experiment id or --tenant is required")
			}
			return runExperimentList(cmd, tenant)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "List experiments for this tenant")

	return cmd
}

func runExperimentStatus(cmd *cobra.Command, id string) error {
	client := newClientFromConfig()

	var experiment models.Experiment
	if err := client.Get(cmd.Context(), "/api/v1/experiments/"+id, &experiment); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &experiment)
	}

	return printExperiment(cmd, &experiment)
}

func runExperimentList(cmd *cobra.Command, tenant string) error {
	client := newClientFromConfig()

	var result struct {
		Experiments []*models.Experiment `json:"experiments"`
		Count       int                  `json:"count"`
	}
	if err := client.Get(cmd.Context(), "/api/v1/experiments?tenant_id="+tenant, &result); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), result)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tLABEL\tMODE\tCONTROL\tVARIANT\tWINNER\tSTARTED")
	for _, e := range result.Experiments {
		winner := e.Winner
		if winner == "" {
			winner = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Label, e.Mode, e.ControlVersion, e.VariantVersion, winner, formatTime(e.StartedAt))
	}
	return w.Flush()
}

func newExperimentConcludeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conclude <experiment-id>",
		Short: "Conclude an experiment and pick a winner",
		Long: `Force an experiment to conclude. The winner is judged from the samples
collected so far; an experiment below its minimum sample size concludes
without a winner.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperimentConclude(cmd, args[0])
		},
	}

	return cmd
}

func runExperimentConclude(cmd *cobra.Command, id string) error {
	client := newClientFromConfig()

	var experiment models.Experiment
	path := "/api/v1/experiments/" + id + "/conclude"
	if err := client.Post(cmd.Context(), path, nil, &experiment); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &experiment)
	}

	winner := experiment.Winner
	if winner == "" {
		winner = "none"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s concluded, winner: %s (p=%.4f)\n",
		experiment.ID, winner, experiment.PValue)
	return nil
}

func printExperiment(cmd *cobra.Command, e *models.Experiment) error {
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "Experiment\t%s\n", e.ID)
	fmt.Fprintf(w, "Tenant\t%s\n", e.TenantID)
	fmt.Fprintf(w, "Label\t%s\n", e.Label)
	fmt.Fprintf(w, "Mode\t%s\n", e.Mode)
	fmt.Fprintf(w, "Control\t%s (%d pulls)\n", e.ControlVersion, e.Control.Pulls)
	fmt.Fprintf(w, "Variant\t%s (%d pulls)\n", e.VariantVersion, e.Variant.Pulls)
	fmt.Fprintf(w, "Min Samples\t%d\n", e.MinSampleSize)
	fmt.Fprintf(w, "Confidence\t%.2f\n", e.Confidence)
	if e.Mode == models.ExperimentModeShadow {
		fmt.Fprintf(w, "Agreements\t%d\n", e.Agreements)
		fmt.Fprintf(w, "Disagreements\t%d\n", e.Disagreements)
		fmt.Fprintf(w, "Dropped Mirrors\t%d\n", e.ShadowDropped)
	}
	if e.ConcludedAt != nil {
		winner := e.Winner
		if winner == "" {
			winner = "none"
		}
		fmt.Fprintf(w, "Winner\t%s\n", winner)
		fmt.Fprintf(w, "P-Value\t%.4f\n", e.PValue)
		fmt.Fprintf(w, "Concluded\t%s\n", formatTime(*e.ConcludedAt))
	}
	fmt.Fprintf(w, "Started\t%s\n", formatTime(e.StartedAt))
	return w.Flush()
}
