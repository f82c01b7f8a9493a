package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbiterml/modelplane/pkg/models"
)

func NewDriftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Inspect label distribution drift",
	}

	cmd.AddCommand(newDriftStatusCmd())

	return cmd
}

func newDriftStatusCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest drift check per label stream",
		Example: `  # Latest drift results for tenant acme
  modelplane drift status --tenant acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDriftStatus(cmd, tenant)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier (required)")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

func runDriftStatus(cmd *cobra.Command, tenant string) error {
	client := newClientFromConfig()

	var result struct {
		TenantID string                     `json:"tenant_id"`
		Results  []*models.DriftCheckResult `json:"results"`
		Count    int                        `json:"count"`
	}
	if err := client.Get(cmd.Context(), "/api/v1/drift/"+tenant, &result); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), result)
	}

	if result.Count == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No drift checks recorded for tenant %s\n", tenant)
		return nil
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintln(w, "LABEL\tLANGUAGE\tPSI\tJSD\tSEVERITY\tSAMPLES\tCOMPUTED")
	for _, r := range result.Results {
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%.4f\t%s\t%d\t%s\n",
			r.Label, r.Language, r.PSI, r.JSDivergence, r.Severity, r.SampleCount, formatTime(r.ComputedAt))
	}
	return w.Flush()
}
