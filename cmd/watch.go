package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/embedclient"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Recognize faces from a camera or a frame directory",
	Long: `Run the capture loop against a camera snapshot URL or a directory of frames.

Frames are captured at CAPTURE_FPS and recognized by a single worker; frames
arriving while the worker is busy are dropped. With more enrolled identities
the loop skips more frames between recognitions.

With --attendance, recognized identities are marked present (or late) once per
run. Medium-confidence matches are confirmed interactively when stdin is a
terminal and declined otherwise.

Examples:
  # Replay a directory of frames once
  face-attendance watch --dir ./frames

  # Watch a camera snapshot endpoint and mark attendance
  face-attendance watch --url http://camera.local/snapshot.jpg --attendance

  # Stop after ten minutes
  face-attendance watch --attendance --duration 10m`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("dir", "", "Read frames from this directory instead of a camera")
	watchCmd.Flags().Bool("loop", false, "Restart from the first frame when the directory is exhausted")
	watchCmd.Flags().String("url", "", "Camera snapshot URL (env CAPTURE_SNAPSHOT_URL)")
	watchCmd.Flags().String("session", "camera", "Session identifier for temporal smoothing")
	watchCmd.Flags().Int("fps", 0, "Capture rate (default from CAPTURE_FPS)")
	watchCmd.Flags().Bool("attendance", false, "Mark attendance for recognized identities")
	watchCmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := mustGetDuration(cmd, "duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	source, err := watchSource(cmd, cfg.Capture.SnapshotURL)
	if err != nil {
		return err
	}

	svc, err := loadService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if svc.Store().Snapshot().Len() == 0 {
		fmt.Println("Warning: no enrolled profiles, every face will be rejected")
	}

	journal, err := openJournal(cfg, svc)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	fps := mustGetInt(cmd, "fps")
	if fps <= 0 {
		fps = cfg.Capture.FPS
	}
	sessionID := mustGetString(cmd, "session")
	defer svc.DiscardSession(sessionID)

	var marker *attendance.Marker
	if mustGetBool(cmd, "attendance") {
		var confirmer attendance.Confirmer
		if isTerminal(os.Stdin) {
			confirmer = newTerminalConfirmer(os.Stdin, os.Stdout)
		}
		marker = attendance.NewMarker(cfg.Tunables.Attendance, attendance.NewWriterSink(os.Stdout), confirmer, logger)
	}

	client := embedclient.NewClient(cfg.Embedding.URL)
	recognizer := capture.NewRecognizer(client, svc, constants.MaxImageSize)
	printer := &outcomePrinter{}
	sessionStart := time.Now()

	apply := func(res capture.Result) {
		if res.Err != nil {
			if !errors.Is(res.Err, capture.ErrNoFace) {
				fmt.Printf("[%d] %s: %v\n", res.Seq, res.Source, res.Err)
			}
			return
		}
		printer.print(res)
		if marker == nil {
			return
		}
		if _, err := marker.Mark(ctx, res.Outcome, sessionStart, time.Now()); err != nil && ctx.Err() == nil {
			logger.Error("attendance mark failed", "error", err)
		}
	}

	loop := capture.NewLoop(source, recognizer.Process(sessionID), apply, capture.Options{
		FPS:       fps,
		FrameSkip: svc.AdaptiveFrameSkip,
		Logger:    logger,
	})

	fmt.Printf("Watching at %d fps using %s (Ctrl+C to stop)\n", fps, client.BaseURL())
	runErr := loop.Run(ctx)

	stats := loop.Stats()
	fmt.Println()
	fmt.Println(renderTable(
		[]string{"Captured", "Skipped", "Dropped", "Processed", "Failed"},
		[][]string{{
			strconv.FormatInt(stats.Captured, 10),
			strconv.FormatInt(stats.Skipped, 10),
			strconv.FormatInt(stats.Dropped, 10),
			strconv.FormatInt(stats.Processed, 10),
			strconv.FormatInt(stats.Failed, 10),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	if marker != nil {
		fmt.Println(marksTable(marker.Marked(sessionStart)))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	return nil
}

func watchSource(cmd *cobra.Command, snapshotURL string) (capture.Source, error) {
	if dir := mustGetString(cmd, "dir"); dir != "" {
		src, err := capture.NewDirSource(dir, mustGetBool(cmd, "loop"))
		if err != nil {
			return nil, err
		}
		fmt.Printf("Replaying %d frames from %s\n", src.Len(), dir)
		return src, nil
	}
	if u := mustGetString(cmd, "url"); u != "" {
		snapshotURL = u
	}
	if snapshotURL == "" {
		return nil, errors.New("no frame source: pass --dir or --url, or set CAPTURE_SNAPSHOT_URL")
	}
	return capture.NewSnapshotSource(snapshotURL, nil), nil
}

// outcomePrinter prints an outcome only when the displayed result changes.
type outcomePrinter struct {
	mu   sync.Mutex
	last string
}

func (p *outcomePrinter) print(res capture.Result) {
	line := formatOutcome(res.Outcome)
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Printf("[%d] %s\n", res.Seq, line)
}

func formatOutcome(o recognition.Outcome) string {
	if !o.Accepted {
		return fmt.Sprintf("%s (%s)", o.DisplayText, o.Decision.Reason)
	}
	return fmt.Sprintf("%s  confidence %.0f%%  %s", o.DisplayText, o.Confidence*100, o.Decision.Rule)
}

// marksTable renders the marks of a run in the order they were made.
func marksTable(marks []attendance.Mark) string {
	if len(marks) == 0 {
		return "No attendance marked"
	}
	marks = slices.Clone(marks)
	slices.SortFunc(marks, func(a, b attendance.Mark) int {
		if c := a.MarkedAt.Compare(b.MarkedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})

	rows := make([][]string, 0, len(marks))
	for _, m := range marks {
		rows = append(rows, []string{
			m.MarkedAt.Format(time.TimeOnly),
			m.Label,
			string(m.Status),
			string(m.Method),
			fmt.Sprintf("%.2f", m.Confidence),
		})
	}
	return renderTable(
		[]string{"Time", "Identity", "Status", "Method", "Confidence"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

// terminalConfirmer asks the operator on a terminal. A candidate the
// operator declined is not asked about again during the same run.
type terminalConfirmer struct {
	mu       sync.Mutex
	in       *bufio.Reader
	out      io.Writer
	lines    chan readResult
	start    sync.Once
	closed   bool // input reached EOF or failed
	declined map[string]bool
}

type readResult struct {
	line string
	err  error
}

func newTerminalConfirmer(in io.Reader, out io.Writer) *terminalConfirmer {
	return &terminalConfirmer{
		in:       bufio.NewReader(in),
		out:      out,
		lines:    make(chan readResult),
		declined: make(map[string]bool),
	}
}

// readLines runs for the life of the process; a blocked terminal read
// cannot be interrupted, so Confirm waits on the channel instead.
func (c *terminalConfirmer) readLines() {
	for {
		line, err := c.in.ReadString('\n')
		c.lines <- readResult{line: line, err: err}
		if err != nil {
			return
		}
	}
}

func (c *terminalConfirmer) Confirm(ctx context.Context, cand attendance.Candidate) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.closed || c.declined[cand.ProfileID] {
		return false, nil
	}

	fmt.Fprintf(c.out, "Is this %s? (confidence %.0f%%) [y/N]: ", cand.Label, cand.Confidence*100)
	c.start.Do(func() { go c.readLines() })

	var res readResult
	select {
	case res = <-c.lines:
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return false, ctx.Err()
	}
	if res.err != nil {
		c.closed = true
		if !errors.Is(res.err, io.EOF) {
			return false, res.err
		}
	}

	switch strings.ToLower(strings.TrimSpace(res.line)) {
	case "y", "yes":
		return true, nil
	default:
		c.declined[cand.ProfileID] = true
		return false, nil
	}
}
