package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/embedclient"
	"github.com/kozaktomas/face-attendance/internal/enroll"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <photo-dir>",
	Short: "Enroll an identity from a directory of face photos",
	Long: `Compute an embedding for every photo in a directory and store the results in
the dataset under <id>_<name>. Running it again for the same identity adds the
new photos to the existing folder.

Each photo should show one face. Photos in which the embedding server finds no
face are reported and skipped.

Examples:
  # Enroll a student
  face-attendance enroll ./photos/jiri --id 1001 --name "Jiří Novák"

  # Use more parallel requests
  face-attendance enroll ./photos/jiri --id 1001 --name "Jiří Novák" --workers 8`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("id", "", "Identity number, e.g. a student ID")
	enrollCmd.Flags().String("name", "", "Person name")
	enrollCmd.Flags().Int("workers", constants.EnrollWorkers, "Parallel embedding requests")
	enrollCmd.Flags().Bool("skip-duplicates", true, "Leave out near-duplicate photos")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := enroll.ListImages(args[0])
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no photos found in %s", args[0])
	}

	client := embedclient.NewClient(cfg.Embedding.URL)
	fmt.Printf("Enrolling %d photos using %s\n", len(files), client.BaseURL())

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Computing embeddings"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	enroller := enroll.New(client, enroll.Options{
		Workers:        mustGetInt(cmd, "workers"),
		Logger:         logger,
		Progress:       func() { _ = bar.Add(1) },
		SkipDuplicates: mustGetBool(cmd, "skip-duplicates"),
	})

	result, err := enroller.Enroll(ctx, cfg.Dataset.Root, mustGetString(cmd, "id"), mustGetString(cmd, "name"), files)
	_ = bar.Finish()
	fmt.Println()
	if result != nil {
		for _, f := range result.Failed {
			fmt.Printf("  skipped %s: %v\n", filepath.Base(f.File), f.Err)
		}
		for _, d := range result.Duplicates {
			fmt.Printf("  duplicate %s\n", filepath.Base(d))
		}
		fmt.Printf("Enrolled %s: %d embeddings written to %s, %d failed, %d duplicates\n",
			result.Label, result.Written, filepath.Join(cfg.Dataset.Root, result.Folder), len(result.Failed), len(result.Duplicates))
	}
	return err
}
