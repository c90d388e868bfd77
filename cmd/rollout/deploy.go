package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/types"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the manifest to the target",
	Long: `Deploy every service in the manifest to the configured target.

Services whose image digest is unchanged are left running. The command
exits non-zero unless every service ends up healthy.

Examples:
  # Deploy the default environment
  rollout deploy

  # Deploy production with a tighter deadline
  rollout deploy --env prd --deadline 10m`,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringP("env", "e", "", "Environment label (default from config)")
	deployCmd.Flags().Duration("deadline", 0, "Overall rollout deadline (default from config)")
	deployCmd.Flags().String("metrics-textfile", "", "Write Prometheus metrics to this file when done")
	deployCmd.Flags().Bool("json", false, "Print the deployment record as JSON")

	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	env, _ := cmd.Flags().GetString("env")
	if env == "" {
		env = cfg.Environment
	}
	deadline, _ := cmd.Flags().GetDuration("deadline")
	if deadline == 0 {
		deadline = cfg.Deadline
	}
	textfile, _ := cmd.Flags().GetString("metrics-textfile")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		printProgress(cmd.ErrOrStderr(), sub)
	}()

	a, err := newApp(ctx, cfg, broker)
	if err != nil {
		broker.Stop()
		broker.Unsubscribe(sub)
		<-done
		return err
	}
	defer a.close()

	fmt.Fprintf(cmd.ErrOrStderr(), "Deploying %s (%s) to %s...\n", cfg.Project, env, a.target.Name)

	rec, deployErr := a.deployer.Deploy(ctx, deploy.Request{
		Services:     cfg.Services,
		ManifestPath: cfg.Path(),
		Environment:  env,
		Deadline:     deadline,
	})

	broker.Stop()
	broker.Unsubscribe(sub)
	<-done

	if textfile != "" {
		if err := metrics.WriteTextfile(textfile); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to write metrics textfile")
		}
	}

	if asJSON {
		if err := writeJSON(cmd.OutOrStdout(), rec); err != nil {
			return err
		}
	} else {
		printRecord(cmd.OutOrStdout(), rec)
	}

	if deployErr != nil {
		return fmt.Errorf("deployment %s: %w", rec.Outcome, deployErr)
	}
	return nil
}

// printProgress prints the events users care about until sub is closed
func printProgress(w io.Writer, sub events.Subscriber) {
	for ev := range sub {
		switch ev.Type {
		case events.EventDecision:
			fmt.Fprintf(w, "  • %s\n", ev.Message)
		case events.EventImagePulled:
			fmt.Fprintf(w, "  ✓ Pulled %s\n", ev.Message)
		case events.EventInstanceStopped:
			fmt.Fprintf(w, "  ✓ Stopped %s\n", ev.Service)
		case events.EventOrphanRemoved:
			fmt.Fprintf(w, "  ✓ Removed stale container of %s\n", ev.Service)
		case events.EventServiceStarted:
			fmt.Fprintf(w, "  ✓ Started %s\n", ev.Service)
		case events.EventServiceEnsured:
			fmt.Fprintf(w, "  ✓ %s already running\n", ev.Service)
		case events.EventServiceFailed:
			fmt.Fprintf(w, "  ✗ %s failed to start: %s\n", ev.Service, ev.Message)
		case events.EventServiceHealthy:
			fmt.Fprintf(w, "  ✓ %s healthy\n", ev.Service)
		case events.EventServiceUnhealthy:
			fmt.Fprintf(w, "  ✗ %s unhealthy: %s\n", ev.Service, ev.Message)
		}
	}
}

// printRecord prints a human summary of a finished rollout
func printRecord(w io.Writer, rec *types.DeploymentRecord) {
	mark := "✓"
	if !rec.Succeeded() {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Deployment %s: %s\n", mark, rec.ID, rec.Outcome)
	fmt.Fprintf(w, "  Project:     %s\n", rec.Project)
	fmt.Fprintf(w, "  Target:      %s\n", rec.Target)
	fmt.Fprintf(w, "  Environment: %s\n", rec.TargetEnvironment)
	fmt.Fprintf(w, "  Duration:    %s\n", rec.Duration().Round(time.Millisecond))
	if rec.FailedStage != "" {
		fmt.Fprintf(w, "  Failed at:   %s\n", rec.FailedStage)
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "  Error:       %s\n", rec.Error)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-20s %-12s %-14s %-14s %s\n", "SERVICE", "ACTION", "FROM", "TO", "HEALTHY")
	for _, s := range rec.Services {
		from := "-"
		if s.PreviousDigest != nil {
			from = s.PreviousDigest.Short()
		}
		to := "-"
		if s.NewDigest.Known() {
			to = s.NewDigest.Short()
		}
		action := string(s.Action)
		if action == "" {
			action = "-"
		}
		fmt.Fprintf(w, "%-20s %-12s %-14s %-14s %t\n", s.Name, action, from, to, s.Healthy)
	}

	for _, s := range rec.Services {
		if s.Error == "" {
			continue
		}
		fmt.Fprintf(w, "\n%s: %s\n", s.Name, s.Error)
		if s.LogTail != "" {
			fmt.Fprintf(w, "--- last log lines of %s ---\n%s", s.Name, s.LogTail)
		}
	}

	for _, warning := range rec.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
