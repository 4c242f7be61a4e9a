package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/logger"
)

// JobsCmd groups sync-job maintenance commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and clean up sync jobs",
}

var (
	jobsCleanupRetentionDays int
	jobsLsConnector          string
	jobsLsLimit              int
)

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reap stale running jobs and prune old finished ones",
	RunE:  runJobsCleanup,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent jobs for a connector",
	RunE:  runJobsLs,
}

func init() {
	jobsCleanupCmd.Flags().IntVar(&jobsCleanupRetentionDays, "retention-days", 30,
		"Delete finished jobs older than this many days (0 disables)")
	jobsLsCmd.Flags().StringVar(&jobsLsConnector, "connector", "", "Connector ID (required)")
	jobsLsCmd.Flags().IntVar(&jobsLsLimit, "limit", 20, "Maximum jobs to list")
	jobsLsCmd.MarkFlagRequired("connector")

	JobsCmd.AddCommand(jobsCleanupCmd)
	JobsCmd.AddCommand(jobsLsCmd)
}

func runJobsCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := buildApp(ctx, cfg, database)

	result, err := a.scheduler.Cleanup(ctx)
	if err != nil {
		return errors.Wrap(err, "cleanup failed")
	}
	fmt.Printf("Checked %d stale jobs, canceled %d\n", result.Checked, result.Canceled)

	if jobsCleanupRetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -jobsCleanupRetentionDays)
		deleted, err := a.jobs.DeleteFinishedOlderThan(cutoff)
		if err != nil {
			return errors.Wrap(err, "retention sweep failed")
		}
		fmt.Printf("Deleted %d finished jobs older than %d days\n",
			deleted, jobsCleanupRetentionDays)
		logger.Infow("Retention sweep complete",
			"deleted", deleted, "retention_days", jobsCleanupRetentionDays)
	}
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := buildApp(ctx, cfg, database)
	jobs, err := a.scheduler.List(ctx, jobsLsConnector, jobsLsLimit)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(jobs) == 0 {
		fmt.Printf("No jobs for connector %s\n", jobsLsConnector)
		return nil
	}

	for _, j := range jobs {
		line := fmt.Sprintf("%s  %-8s %-8s", j.ID, j.Kind, j.State)
		if j.Result != "" {
			line += fmt.Sprintf(" %-8s", j.Result)
		}
		if j.RecordCount > 0 {
			line += fmt.Sprintf(" %d records", j.RecordCount)
		}
		if j.Error != "" {
			line += "  " + j.Error
		}
		fmt.Println(line)
	}
	return nil
}
