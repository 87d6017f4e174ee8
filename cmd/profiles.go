package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect enrolled identity profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled profiles with their derived thresholds",
	Long: `Load the dataset and list every enrolled identity with its statistics.

Tightness is the mean pairwise similarity of the stored embeddings. Profiles
marked high-variance had their thresholds relaxed because their embeddings
spread too much.

Examples:
  face-attendance profiles list`,
	Args: cobra.NoArgs,
	RunE: runProfilesList,
}

var profilesNeighborsCmd = &cobra.Command{
	Use:   "neighbors <index|label>",
	Short: "Show the profiles closest to an identity",
	Long: `Show the enrolled identities whose centroids are most similar to the given one.

Close neighbors are the identities most likely to be confused with each other;
consider enrolling more varied photos for them.

Examples:
  # By profile index from "profiles list"
  face-attendance profiles neighbors 3

  # By label or folder name, five neighbors
  face-attendance profiles neighbors "1001 - Alice" --k 5`,
	Args: cobra.ExactArgs(1),
	RunE: runProfilesNeighbors,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesNeighborsCmd)

	profilesNeighborsCmd.Flags().Int("k", constants.DefaultNeighbors, "Number of neighbors to show")
}

func loadSnapshot() (*profile.Snapshot, error) {
	cfg, logger, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	svc, err := loadService(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}
	return svc.Store().Snapshot(), nil
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	snap, err := loadSnapshot()
	if err != nil {
		return err
	}
	if snap.Len() == 0 {
		fmt.Printf("No profiles enrolled in %s\n", snap.Root())
		return nil
	}

	rows := make([][]string, 0, snap.Len())
	for i, p := range snap.Profiles() {
		variance := ""
		if p.HighVariance {
			variance = "yes"
		}
		rows = append(rows, []string{
			strconv.Itoa(i),
			p.Label,
			strconv.Itoa(p.Size()),
			strconv.Itoa(p.Skipped),
			fmt.Sprintf("%.3f", p.Tightness),
			fmt.Sprintf("%.3f", p.StdDev),
			fmt.Sprintf("%.3f", p.AbsoluteThreshold),
			fmt.Sprintf("%.3f", p.RelativeMargin),
			variance,
		})
	}

	fmt.Println(renderTable(
		[]string{"#", "Identity", "Embeddings", "Skipped", "Tightness", "Std dev", "Threshold", "Margin", "High variance"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
	fmt.Printf("%d profiles (generation %d)\n", snap.Len(), snap.Generation())
	return nil
}

func runProfilesNeighbors(cmd *cobra.Command, args []string) error {
	k := mustGetInt(cmd, "k")
	if k < 1 || k > constants.MaxNeighbors {
		return fmt.Errorf("--k must be between 1 and %d", constants.MaxNeighbors)
	}

	snap, err := loadSnapshot()
	if err != nil {
		return err
	}
	index, err := findProfile(snap, args[0])
	if err != nil {
		return err
	}
	p, _ := snap.ProfileAt(index)
	if !p.HasCentroid() {
		return fmt.Errorf("profile %s has no valid embeddings", p.Label)
	}

	var rows [][]string
	for _, n := range snap.Nearest(p.Centroid, k+1) {
		if n.Index == index || len(rows) == k {
			continue
		}
		rows = append(rows, []string{strconv.Itoa(n.Index), n.Label, fmt.Sprintf("%.3f", n.Similarity)})
	}

	fmt.Printf("Nearest identities to %s:\n", p.Label)
	fmt.Println(renderTable(
		[]string{"#", "Identity", "Similarity"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight},
	))
	return nil
}

// findProfile resolves a profile index, label or folder name.
func findProfile(snap *profile.Snapshot, ref string) (int, error) {
	if i, err := strconv.Atoi(ref); err == nil {
		if _, ok := snap.ProfileAt(i); ok {
			return i, nil
		}
		return 0, fmt.Errorf("no profile with index %d", i)
	}
	for i, p := range snap.Profiles() {
		if strings.EqualFold(p.Label, ref) || p.ID == ref {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no profile named %q", ref)
}
