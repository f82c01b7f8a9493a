package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbiterml/modelplane/pkg/models"
)

func NewBudgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect tenant budget ledgers",
	}

	cmd.AddCommand(newBudgetStatusCmd())
	cmd.AddCommand(newBudgetForecastCmd())

	return cmd
}

func newBudgetStatusCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a tenant's budget ledger for the current period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBudgetStatus(cmd, tenant)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier (required)")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

func runBudgetStatus(cmd *cobra.Command, tenant string) error {
	client := newClientFromConfig()

	var ledger models.BudgetLedger
	if err := client.Get(cmd.Context(), "/api/v1/budget/"+tenant, &ledger); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &ledger)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "Tenant\t%s\n", ledger.TenantID)
	fmt.Fprintf(w, "Period\t%s\n", ledger.PeriodID)
	fmt.Fprintf(w, "Spend\t%.4f / %.4f (%.1f%%)\n", ledger.CostUnits, ledger.LimitUnits, ledger.SpendRatio()*100)
	fmt.Fprintf(w, "Requests\t%d\n", ledger.RequestCount)
	fmt.Fprintf(w, "Latency EMA\t%.1f ms\n", ledger.LatencyEMA)
	fmt.Fprintf(w, "Latency p95\t%.1f ms\n", ledger.LatencyP95)
	fmt.Fprintf(w, "State\t%s\n", ledger.State)
	if ledger.DowngradedAt != nil {
		fmt.Fprintf(w, "Downgraded\t%s\n", formatTime(*ledger.DowngradedAt))
	}
	if ledger.CooldownUntil != nil {
		fmt.Fprintf(w, "Cooldown Until\t%s\n", formatTime(*ledger.CooldownUntil))
	}
	fmt.Fprintf(w, "Updated\t%s\n", formatTime(ledger.UpdatedAt))
	return w.Flush()
}

func newBudgetForecastCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Project a tenant's end-of-period spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBudgetForecast(cmd, tenant)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier (required)")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

func runBudgetForecast(cmd *cobra.Command, tenant string) error {
	client := newClientFromConfig()

	var forecast models.BudgetForecast
	if err := client.Get(cmd.Context(), "/api/v1/budget/"+tenant+"/forecast", &forecast); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &forecast)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "Tenant\t%s\n", forecast.TenantID)
	fmt.Fprintf(w, "Period\t%s\n", forecast.PeriodID)
	fmt.Fprintf(w, "Current Cost\t%.4f\n", forecast.CurrentCost)
	fmt.Fprintf(w, "Projected Cost\t%.4f\n", forecast.ProjectedCost)
	fmt.Fprintf(w, "Limit\t%.4f\n", forecast.LimitUnits)
	fmt.Fprintf(w, "Will Exceed\t%t\n", forecast.WillExceed)
	if forecast.ProjectedBreachAt != nil {
		fmt.Fprintf(w, "Projected Breach\t%s\n", formatTime(*forecast.ProjectedBreachAt))
	}
	fmt.Fprintf(w, "Samples\t%d\n", forecast.SampleCount)
	return w.Flush()
}
