// Package main is the entry point for assentctl, the operator CLI for
// working with approval workflow definition packs.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/routing"
	"github.com/pitabwire/assent/internal/rules"
	"github.com/pitabwire/assent/model"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "assentctl",
		Short:         "Operator CLI for approval workflow definitions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCmd())
	root.AddCommand(newSimulateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>...",
		Short: "Load and validate definition packs",
		Long: `Loads every YAML definition found in the given directories and runs the
full publish-time validation: structural checks, reference resolution, and
graph analysis. Exits non-zero if any definition has defects.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := definition.NewLoader()
			defs, err := loader.LoadAll(args)
			if err != nil {
				return err
			}

			verrs := definition.NewValidator().Validate(defs)
			if len(verrs) > 0 {
				tw := tabwriter.NewWriter(cmd.ErrOrStderr(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PATH\tCODE\tMESSAGE")
				for _, ve := range verrs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", ve.Path, ve.Code, ve.Message)
				}
				tw.Flush()
				return fmt.Errorf("%d validation errors in %d definitions", len(verrs), len(defs))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d definitions valid\n", len(defs))
			return nil
		},
	}
}

func newSimulateCmd() *cobra.Command {
	var (
		definitionFile string
		dataFile       string
		requester      string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Dry-run routing against a definition and request data",
		Long: `Evaluates the definition's routing rules against the given request data
and prints the per-rule trace plus the approval chain the winning rule
produces. Nothing is persisted; the server is not involved.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := definition.NewLoader()
			def, err := loader.LoadFile(definitionFile)
			if err != nil {
				return err
			}
			if verrs := definition.NewValidator().ValidateOne(def.ID, &def); len(verrs) > 0 {
				for _, ve := range verrs {
					fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
				}
				return fmt.Errorf("definition %s is invalid", def.ID)
			}

			data := map[string]any{}
			if dataFile != "" {
				raw, err := os.ReadFile(dataFile)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(raw, &data); err != nil {
					return fmt.Errorf("parsing %s: %w", dataFile, err)
				}
			}

			actor := &model.ActorContext{Subject: requester}
			router := routing.NewEngine(&rules.Evaluator{})
			result := router.Probe(&def, data, actor)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RULE\tPRIORITY\tMATCHED\tWINNER\tERROR")
			for _, tr := range result.Trace {
				fmt.Fprintf(tw, "%s\t%d\t%t\t%t\t%s\n",
					tr.RuleID, tr.Priority, tr.Matched, tr.Winner, tr.Error)
			}
			tw.Flush()

			if result.Chain == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no routing rule matched")
				return nil
			}

			out, err := json.MarshalIndent(result.Chain, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&definitionFile, "definition", "", "path to a definition YAML file")
	cmd.Flags().StringVar(&dataFile, "data", "", "path to a request data file (YAML or JSON)")
	cmd.Flags().StringVar(&requester, "requester", "simulator", "requester subject for condition evaluation")
	cmd.MarkFlagRequired("definition")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "assentctl %s (%s)\n", version, commit)
		},
	}
}
