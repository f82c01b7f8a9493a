package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arbiterml/modelplane/pkg/models"
)

type OverrideSetOptions struct {
	Tenant            string
	BaseVersion       string
	FairnessThreshold float64
	PrivacyRedaction  float64
	CostCap           float64
	Fallback          string
	Weights           []string
}

func NewOverrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Manage per-tenant configuration overrides",
	}

	cmd.AddCommand(newOverrideSetCmd())
	cmd.AddCommand(newOverrideRollbackCmd())
	cmd.AddCommand(newOverrideGetCmd())

	return cmd
}

func newOverrideSetCmd() *cobra.Command {
	opts := &OverrideSetOptions{}

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Apply a tenant override patch",
		Long: `Apply an override patch on top of a tenant's base version. Only fields
set on the command line are patched; the merged configuration is validated
against the version guardrails before it takes effect.`,
		Example: `  # Bind a tenant to v2 and tighten the fairness threshold
  modelplane override set --tenant acme --base v2 --fairness-threshold 0.8

  # Patch score weights without changing the base version
  modelplane override set --tenant acme --weight toxicity=0.6 --weight spam=0.4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverrideSet(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "Tenant identifier (required)")
	cmd.Flags().StringVar(&opts.BaseVersion, "base", "", "Base version id (keeps current base when omitted)")
	cmd.Flags().Float64Var(&opts.FairnessThreshold, "fairness-threshold", 0, "Fairness threshold override")
	cmd.Flags().Float64Var(&opts.PrivacyRedaction, "privacy-redaction", 0, "Privacy redaction rate override")
	cmd.Flags().Float64Var(&opts.CostCap, "cost-cap", 0, "Cost cap per request override")
	cmd.Flags().StringVar(&opts.Fallback, "fallback", "", "Fallback version for budget downgrades")
	cmd.Flags().StringArrayVar(&opts.Weights, "weight", nil, "Score weight as label=value (repeatable)")

	cmd.MarkFlagRequired("tenant")

	return cmd
}

func runOverrideSet(cmd *cobra.Command, opts *OverrideSetOptions) error {
	overlay := models.Overlay{}
	if cmd.Flags().Changed("fairness-threshold") {
		overlay.FairnessThreshold = &opts.FairnessThreshold
	}
	if cmd.Flags().Changed("privacy-redaction") {
		overlay.PrivacyRedactionRate = &opts.PrivacyRedaction
	}
	if cmd.Flags().Changed("cost-cap") {
		overlay.CostCapPerRequest = &opts.CostCap
	}
	if cmd.Flags().Changed("fallback") {
		overlay.FallbackVersion = &opts.Fallback
	}
	if len(opts.Weights) > 0 {
		weights, err := parseWeights(opts.Weights)
		if err != nil {
			return err
		}
		overlay.ScoreWeights = weights
	}

	body := struct {
		BaseVersion string         `json:"base_version,omitempty"`
		Overlay     models.Overlay `json:"overlay"`
	}{
		BaseVersion: opts.BaseVersion,
		Overlay:     overlay,
	}

	client := newClientFromConfig()
	var cfg models.EffectiveConfig
	path := "/api/v1/registry/tenants/" + opts.Tenant + "/override"
	if err := client.Post(cmd.Context(), path, body, &cfg); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &cfg)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Override applied for tenant %s\n", opts.Tenant)
	return printEffectiveConfig(cmd, &cfg)
}

func parseWeights(pairs []string) (map[string]float64, error) {
	weights := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid weight %q: expected label=value", pair)
		}
		value, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight %q: %w", pair, err)
		}
		weights[parts[0]] = value
	}
	return weights, nil
}

func newOverrideRollbackCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a tenant's previous override",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverrideRollback(cmd, tenant)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier (required)")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

func runOverrideRollback(cmd *cobra.Command, tenant string) error {
	client := newClientFromConfig()

	var cfg models.EffectiveConfig
	path := "/api/v1/registry/tenants/" + tenant + "/rollback"
	if err := client.Post(cmd.Context(), path, nil, &cfg); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &cfg)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Rolled back override for tenant %s\n", tenant)
	return printEffectiveConfig(cmd, &cfg)
}

func newOverrideGetCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a tenant's stored override",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverrideGet(cmd, tenant)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier (required)")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

func runOverrideGet(cmd *cobra.Command, tenant string) error {
	client := newClientFromConfig()

	var override models.TenantOverride
	path := "/api/v1/registry/tenants/" + tenant + "/override"
	if err := client.Get(cmd.Context(), path, &override); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &override)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "Tenant\t%s\n", override.TenantID)
	fmt.Fprintf(w, "Base Version\t%s\n", override.BaseVersion)
	if override.Overlay.FairnessThreshold != nil {
		fmt.Fprintf(w, "Fairness Threshold\t%.2f\n", *override.Overlay.FairnessThreshold)
	}
	if override.Overlay.PrivacyRedactionRate != nil {
		fmt.Fprintf(w, "Privacy Redaction\t%.2f\n", *override.Overlay.PrivacyRedactionRate)
	}
	if override.Overlay.CostCapPerRequest != nil {
		fmt.Fprintf(w, "Cost Cap\t%.4f\n", *override.Overlay.CostCapPerRequest)
	}
	if override.Overlay.FallbackVersion != nil {
		fmt.Fprintf(w, "Fallback Version\t%s\n", *override.Overlay.FallbackVersion)
	}
	for label, weight := range override.Overlay.ScoreWeights {
		fmt.Fprintf(w, "Weight %s\t%.2f\n", label, weight)
	}
	fmt.Fprintf(w, "Snapshot\t%t\n", override.Snapshot != nil)
	fmt.Fprintf(w, "Updated\t%s\n", formatTime(override.UpdatedAt))
	return w.Flush()
}

func printEffectiveConfig(cmd *cobra.Command, cfg *models.EffectiveConfig) error {
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "Version\t%s\n", cfg.VersionID)
	fmt.Fprintf(w, "Provider\t%s\n", cfg.Provider)
	fmt.Fprintf(w, "Fairness Threshold\t%.2f\n", cfg.FairnessThreshold)
	fmt.Fprintf(w, "Privacy Redaction\t%.2f\n", cfg.PrivacyRedactionRate)
	fmt.Fprintf(w, "Cost Cap\t%.4f\n", cfg.CostCapPerRequest)
	if cfg.FallbackVersion != "" {
		fmt.Fprintf(w, "Fallback Version\t%s\n", cfg.FallbackVersion)
	}
	fmt.Fprintf(w, "Downgraded\t%t\n", cfg.Downgraded)
	return w.Flush()
}
