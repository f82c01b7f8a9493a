package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbiterml/modelplane/pkg/models"
)

type RolloutStartOptions struct {
	Tenant      string
	FromVersion string
	ToVersion   string
}

func NewRolloutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Manage phased version rollouts",
	}

	cmd.AddCommand(newRolloutStartCmd())
	cmd.AddCommand(newRolloutAbortCmd())
	cmd.AddCommand(newRolloutStatusCmd())

	return cmd
}

func newRolloutStartCmd() *cobra.Command {
	opts := &RolloutStartOptions{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a phased rollout for a tenant",
		Long: `Start a rollout that shifts the tenant's traffic from one version to
another through 10%, 50%, and 100% phases. Phase advancement is gated on
dwell time, drift severity, and budget state.`,
		Example: `  # Move tenant acme from v1 to v2
  modelplane rollout start --tenant acme --from v1 --to v2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRolloutStart(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "Tenant identifier (required)")
	cmd.Flags().StringVar(&opts.FromVersion, "from", "", "Version currently serving (required)")
	cmd.Flags().StringVar(&opts.ToVersion, "to", "", "Version to roll out (required)")

	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	return cmd
}

func runRolloutStart(cmd *cobra.Command, opts *RolloutStartOptions) error {
	body := struct {
		TenantID    string `json:"tenant_id"`
		FromVersion string `json:"from_version"`
		ToVersion   string `json:"to_version"`
	}{
		TenantID:    opts.Tenant,
		FromVersion: opts.FromVersion,
		ToVersion:   opts.ToVersion,
	}

	client := newClientFromConfig()
	var rollout models.Rollout
	if err := client.Post(cmd.Context(), "/api/v1/rollouts", body, &rollout); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &rollout)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Rollout %s started: %s -> %s (phase %s)\n",
		rollout.ID, rollout.FromVersion, rollout.ToVersion, rollout.Phase)
	return nil
}

func newRolloutAbortCmd() *cobra.Command {
	var tenant, reason string

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort a tenant's in-flight rollout",
		Long: `Abort the tenant's active rollout. All traffic returns to the old
version before the command returns.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRolloutAbort(cmd, tenant, reason)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier (required)")
	cmd.Flags().StringVar(&reason, "reason", "operator abort", "Abort reason recorded on the rollout")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

func runRolloutAbort(cmd *cobra.Command, tenant, reason string) error {
	body := struct {
		Reason string `json:"reason"`
	}{Reason: reason}

	client := newClientFromConfig()
	var rollout models.Rollout
	path := "/api/v1/rollouts/" + tenant + "/abort"
	if err := client.Post(cmd.Context(), path, body, &rollout); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &rollout)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Rollout %s aborted: %s\n", rollout.ID, rollout.AbortReason)
	return nil
}

func newRolloutStatusCmd() *cobra.Command {
	var tenant string
	var history bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a tenant's rollout state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if history {
				return runRolloutHistory(cmd, tenant)
			}
			return runRolloutStatus(cmd, tenant)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier (required)")
	cmd.Flags().BoolVar(&history, "history", false, "List completed and aborted rollouts too")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

func runRolloutStatus(cmd *cobra.Command, tenant string) error {
	client := newClientFromConfig()

	var rollout models.Rollout
	if err := client.Get(cmd.Context(), "/api/v1/rollouts/"+tenant, &rollout); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &rollout)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "Rollout\t%s\n", rollout.ID)
	fmt.Fprintf(w, "Tenant\t%s\n", rollout.TenantID)
	fmt.Fprintf(w, "From\t%s\n", rollout.FromVersion)
	fmt.Fprintf(w, "To\t%s\n", rollout.ToVersion)
	fmt.Fprintf(w, "Phase\t%s (%d%%)\n", rollout.Phase, rollout.Phase.Percentage())
	fmt.Fprintf(w, "Started\t%s\n", formatTime(rollout.StartedAt))
	fmt.Fprintf(w, "Phase Started\t%s\n", formatTime(rollout.PhaseStartedAt))
	return w.Flush()
}

func runRolloutHistory(cmd *cobra.Command, tenant string) error {
	client := newClientFromConfig()

	var result struct {
		Rollouts []*models.Rollout `json:"rollouts"`
		Count    int               `json:"count"`
	}
	path := "/api/v1/rollouts/" + tenant + "/history"
	if err := client.Get(cmd.Context(), path, &result); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), result)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tFROM\tTO\tPHASE\tSTARTED\tREASON")
	for _, r := range result.Rollouts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.FromVersion, r.ToVersion, r.Phase, formatTime(r.StartedAt), r.AbortReason)
	}
	return w.Flush()
}
