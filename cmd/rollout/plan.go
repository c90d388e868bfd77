package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cuemby/rollout/pkg/decision"
	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/types"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a deploy would do",
	Long: `Resolve image digests and inspect the target, then print the
decision for every service without pulling, stopping or starting anything.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringP("env", "e", "", "Environment label (default from config)")

	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	env, _ := cmd.Flags().GetString("env")
	if env == "" {
		env = cfg.Environment
	}

	a, err := newApp(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	plan, err := a.deployer.Plan(cmd.Context(), cfg.Services, env)
	if err != nil {
		return err
	}
	printPlan(cmd.OutOrStdout(), cfg.Services, plan)
	return nil
}

func printPlan(w io.Writer, services []types.ServiceSpec, plan *deploy.Plan) {
	fmt.Fprintf(w, "%-20s %-12s %-14s %-14s %s\n", "SERVICE", "ACTION", "RUNNING", "DESIRED", "REASON")
	for _, d := range decision.Ordered(services, plan.Decisions) {
		running := "-"
		if cur := d.CurrentDigest(); cur != nil {
			running = cur.Short()
		} else if len(d.Current) > 1 {
			running = fmt.Sprintf("%d instances", len(d.Current))
		}
		desired := "unknown"
		if d.Desired.Digest.Known() {
			desired = d.Desired.Digest.Short()
		}
		reason := string(d.Reason)
		if d.Detail != "" {
			reason += ": " + d.Detail
		}
		fmt.Fprintf(w, "%-20s %-12s %-14s %-14s %s\n", d.Service, d.Action, running, desired, reason)
	}

	counts := decision.Summary(plan.Decisions)
	fmt.Fprintf(w, "\n%d to start, %d to restart, %d unchanged\n",
		counts[types.ActionFreshStart], counts[types.ActionRestart], counts[types.ActionNoOp])
}
