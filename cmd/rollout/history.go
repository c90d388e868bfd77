package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/types"
)

var historyCmd = &cobra.Command{
	Use:   "history [deployment-id]",
	Short: "List past deployments",
	Long: `List recorded deployments, newest first, or show one in full.

Examples:
  # Last 10 production deployments
  rollout history --env prd --limit 10

  # Details of one deployment
  rollout history 6f1c2d8e-...

  # Newest successful deployment of the default environment
  rollout history --last-success`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringP("env", "e", "", "Only this environment (default all)")
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of deployments (0 for all)")
	historyCmd.Flags().Bool("json", false, "Print records as JSON")
	historyCmd.Flags().Bool("last-success", false, "Show the newest successful deployment of --env (default from config)")

	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	env, _ := cmd.Flags().GetString("env")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	lastSuccess, _ := cmd.Flags().GetBool("last-success")
	if lastSuccess && len(args) == 1 {
		return errors.New("--last-success does not take a deployment id")
	}

	store, err := storage.NewBoltStore(cfg.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if lastSuccess {
		if env == "" {
			env = cfg.Environment
		}
		rec, err := store.LastSuccessful(env)
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "No successful deployment of %s recorded\n", env)
			return nil
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), rec)
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	}

	if len(args) == 1 {
		rec, err := store.GetRecord(args[0])
		if err != nil {
			return fmt.Errorf("deployment %s: %w", args[0], err)
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), rec)
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	}

	records, err := store.ListRecords(env, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), records)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No deployments recorded")
		return nil
	}
	printHistory(cmd.OutOrStdout(), records)
	return nil
}

func printHistory(w io.Writer, records []*types.DeploymentRecord) {
	fmt.Fprintf(w, "%-36s %-20s %-6s %-14s %-10s %s\n", "ID", "STARTED", "ENV", "OUTCOME", "DURATION", "DIGEST")
	for _, rec := range records {
		digest := "-"
		if rec.NewDigest.Known() {
			digest = rec.NewDigest.Short()
		}
		fmt.Fprintf(w, "%-36s %-20s %-6s %-14s %-10s %s\n",
			rec.ID,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.TargetEnvironment,
			rec.Outcome,
			rec.Duration().Round(time.Second),
			digest,
		)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
