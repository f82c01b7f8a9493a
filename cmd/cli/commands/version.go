package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbiterml/modelplane/pkg/models"
)

type PublishOptions struct {
	ID             string
	Provider       string
	PromptVersion  string
	CostPerRequest float64
	MinFairness    float64
	MinPrivacy     float64
	MaxCost        float64
}

func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Manage published model versions",
	}

	cmd.AddCommand(newVersionPublishCmd())
	cmd.AddCommand(newVersionListCmd())
	cmd.AddCommand(newVersionGetCmd())

	return cmd
}

func newVersionPublishCmd() *cobra.Command {
	opts := &PublishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a new model version",
		Long: `Publish an immutable model version to the registry. Versions carry the
guardrail floors every tenant override is validated against.`,
		Example: `  # Publish a version with guardrails
  modelplane version publish --id v3 --provider acme-ml --prompt-version prompt-12 \
    --cost 0.012 --min-fairness 0.7 --min-privacy 0.9 --max-cost 0.05`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersionPublish(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "Version identifier (required)")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "Model provider (required)")
	cmd.Flags().StringVar(&opts.PromptVersion, "prompt-version", "", "Prompt template version (required)")
	cmd.Flags().Float64Var(&opts.CostPerRequest, "cost", 0, "Cost units per request")
	cmd.Flags().Float64Var(&opts.MinFairness, "min-fairness", 0, "Minimum fairness score guardrail")
	cmd.Flags().Float64Var(&opts.MinPrivacy, "min-privacy", 0, "Minimum privacy redaction rate guardrail")
	cmd.Flags().Float64Var(&opts.MaxCost, "max-cost", 0, "Maximum cost per request guardrail")

	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("provider")
	cmd.MarkFlagRequired("prompt-version")

	return cmd
}

func runVersionPublish(cmd *cobra.Command, opts *PublishOptions) error {
	version := &models.ModelVersion{
		ID:             opts.ID,
		Provider:       opts.Provider,
		PromptVersion:  opts.PromptVersion,
		CostPerRequest: opts.CostPerRequest,
		Guardrails: models.Guardrails{
			MinFairnessScore:        opts.MinFairness,
			MinPrivacyRedactionRate: opts.MinPrivacy,
			MaxCostPerRequest:       opts.MaxCost,
		},
	}

	client := newClientFromConfig()
	var created models.ModelVersion
	if err := client.Post(cmd.Context(), "/api/v1/registry/versions", version, &created); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &created)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Published version %s (provider %s)\n", created.ID, created.Provider)
	return nil
}

func newVersionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published model versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersionList(cmd)
		},
	}

	return cmd
}

func runVersionList(cmd *cobra.Command) error {
	client := newClientFromConfig()

	var result struct {
		Versions []*models.ModelVersion `json:"versions"`
		Count    int                    `json:"count"`
	}
	if err := client.Get(cmd.Context(), "/api/v1/registry/versions", &result); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), result)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tPROVIDER\tPROMPT\tCOST\tACTIVE\tCREATED")
	for _, v := range result.Versions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%t\t%s\n",
			v.ID, v.Provider, v.PromptVersion, v.CostPerRequest, v.Active, formatTime(v.CreatedAt))
	}
	return w.Flush()
}

func newVersionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <version-id>",
		Short: "Show a published model version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersionGet(cmd, args[0])
		},
	}

	return cmd
}

func runVersionGet(cmd *cobra.Command, id string) error {
	client := newClientFromConfig()

	var version models.ModelVersion
	if err := client.Get(cmd.Context(), "/api/v1/registry/versions/"+id, &version); err != nil {
		return err
	}

	if outputFormat() == "json" {
		return printJSON(cmd.OutOrStdout(), &version)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "ID\t%s\n", version.ID)
	fmt.Fprintf(w, "Provider\t%s\n", version.Provider)
	fmt.Fprintf(w, "Prompt Version\t%s\n", version.PromptVersion)
	fmt.Fprintf(w, "Cost Per Request\t%.4f\n", version.CostPerRequest)
	fmt.Fprintf(w, "Min Fairness\t%.2f\n", version.Guardrails.MinFairnessScore)
	fmt.Fprintf(w, "Min Privacy Redaction\t%.2f\n", version.Guardrails.MinPrivacyRedactionRate)
	fmt.Fprintf(w, "Max Cost Per Request\t%.4f\n", version.Guardrails.MaxCostPerRequest)
	fmt.Fprintf(w, "Active\t%t\n", version.Active)
	fmt.Fprintf(w, "Created\t%s\n", formatTime(version.CreatedAt))
	return w.Flush()
}
