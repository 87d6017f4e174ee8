package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/embedclient"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/profile"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

var matchCmd = &cobra.Command{
	Use:   "match <image|embedding.emb>",
	Short: "Recognize the face in a single photo or embedding file",
	Long: `Run one face through the recognition pipeline and explain the decision.

An image is sent to the embedding server and its largest face is analyzed,
including the quality gate and face-size calibration. A stored .emb file is
analyzed directly.

A single frame has no temporal history, so matches that would need the
consistency rule on a live camera are rejected here.

Examples:
  face-attendance match ./snapshot.jpg
  face-attendance match data/facedata/1001_Alice/img01.emb --k 5`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().Int("k", constants.DefaultNeighbors, "Number of nearest identities to list")
}

func runMatch(cmd *cobra.Command, args []string) error {
	k := mustGetInt(cmd, "k")
	if k < 1 || k > constants.MaxNeighbors {
		return fmt.Errorf("--k must be between 1 and %d", constants.MaxNeighbors)
	}

	ctx := context.Background()
	cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	svc, err := loadService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.DiscardSession(recognition.DefaultSessionID)

	in, err := matchInput(ctx, args[0], cfg.Embedding.Dim, svc, cfg.Embedding.URL)
	if err != nil {
		return err
	}

	out := svc.Analyze(ctx, recognition.DefaultSessionID, in)
	printDecision(out)

	neighbors := svc.Store().Snapshot().Nearest(in.Embedding, k)
	if len(neighbors) > 0 {
		rows := make([][]string, 0, len(neighbors))
		for _, n := range neighbors {
			rows = append(rows, []string{strconv.Itoa(n.Index), n.Label, fmt.Sprintf("%.3f", n.Similarity)})
		}
		fmt.Println(renderTable(
			[]string{"#", "Identity", "Centroid similarity"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignRight},
		))
	}
	return nil
}

func matchInput(ctx context.Context, path string, dim int, svc *recognition.Service, embeddingURL string) (recognition.FrameInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return recognition.FrameInput{}, err
	}

	if strings.EqualFold(filepath.Ext(path), profile.EmbeddingExt) {
		v, err := embedding.Decode(data, dim)
		if err != nil {
			return recognition.FrameInput{}, fmt.Errorf("%s: %w", path, err)
		}
		return recognition.FrameInput{Embedding: v}, nil
	}

	img, err := capture.DecodeImage(data)
	if err != nil {
		return recognition.FrameInput{}, fmt.Errorf("%s: %w", path, err)
	}
	recognizer := capture.NewRecognizer(embedclient.NewClient(embeddingURL), svc, constants.MaxImageSize)
	in, err := recognizer.Detect(ctx, img)
	if err != nil {
		return recognition.FrameInput{}, fmt.Errorf("%s: %w", path, err)
	}
	fmt.Printf("Face at %v in a %dx%d frame\n", in.Face, in.Frame.Dx(), in.Frame.Dy())
	return in, nil
}

func printDecision(o recognition.Outcome) {
	d := o.Decision
	if o.Accepted {
		fmt.Printf("Recognized: %s (confidence %.0f%%, rule %s)\n", o.DisplayText, o.Confidence*100, d.Rule)
	} else {
		fmt.Printf("Not recognized: %s\n", d.Reason)
		if o.ProfileID != "" {
			fmt.Printf("Best candidate: %s\n", d.Label)
		}
	}

	if o.Quality != nil {
		fmt.Printf("Quality:     %.0f/100 %s\n", o.Quality.Score, o.Quality.Feedback)
	}
	fmt.Printf("Raw score:   %.3f (threshold %.3f)\n", d.RawScore, d.AbsoluteThreshold)
	fmt.Printf("Margin:      %.3f (%.1f%% of score, %.1f%% required)\n",
		d.Margin, d.RelativeMarginPct*100, d.RequiredMarginPct*100)
	if o.Calibration.Adjusted {
		fmt.Printf("Calibration: scale %.2f, %s\n", o.Calibration.NormalizedScale, o.Calibration.Notes)
	}
}
