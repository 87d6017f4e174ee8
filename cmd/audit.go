package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/constants"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Review journaled recognition decisions",
	Long: `Review the decision journal written when AUDIT_DB_PATH is set.

Examples:
  # Acceptance counts per identity
  face-attendance audit summary

  # The last 20 decisions
  face-attendance audit recent --limit 20`,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show accepted and rejected decisions per identity",
	Args:  cobra.NoArgs,
	RunE:  runAuditSummary,
}

var auditRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the most recent decisions",
	Args:  cobra.NoArgs,
	RunE:  runAuditRecent,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditSummaryCmd)
	auditCmd.AddCommand(auditRecentCmd)

	auditRecentCmd.Flags().Int("limit", constants.DefaultAuditLimit, "Number of decisions to show")
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadEnvironment()
	if err != nil {
		return err
	}
	journal, err := requireJournal(cfg)
	if err != nil {
		return err
	}
	defer journal.Close()

	summary, err := journal.Summary(context.Background())
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		fmt.Println("The journal is empty")
		return nil
	}

	rows := make([][]string, 0, len(summary))
	for _, s := range summary {
		rows = append(rows, []string{
			s.Label,
			strconv.Itoa(s.Accepted),
			strconv.Itoa(s.Rejected),
			fmt.Sprintf("%.3f", s.AvgConfidence),
			fmt.Sprintf("%.3f", s.AvgRawScore),
		})
	}
	fmt.Println(renderTable(
		[]string{"Identity", "Accepted", "Rejected", "Avg confidence", "Avg score"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	))
	return nil
}

func runAuditRecent(cmd *cobra.Command, args []string) error {
	limit := mustGetInt(cmd, "limit")
	if limit < 1 || limit > constants.MaxAuditLimit {
		return fmt.Errorf("--limit must be between 1 and %d", constants.MaxAuditLimit)
	}

	cfg, _, err := loadEnvironment()
	if err != nil {
		return err
	}
	journal, err := requireJournal(cfg)
	if err != nil {
		return err
	}
	defer journal.Close()

	entries, err := journal.Recent(context.Background(), limit)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		result := "rejected"
		if e.Decision.Accepted {
			result = "accepted"
		}
		rows = append(rows, []string{
			e.RecordedAt.Local().Format(time.DateTime),
			e.SessionID,
			e.Decision.Label,
			result,
			string(e.Decision.Rule),
			fmt.Sprintf("%.3f", e.Decision.Confidence),
			e.Decision.Reason,
		})
	}
	fmt.Println(renderTable(
		[]string{"Time", "Session", "Identity", "Result", "Rule", "Confidence", "Reason"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}
