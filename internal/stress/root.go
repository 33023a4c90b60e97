// Package stress implements the hintstress command, a load generator that
// pushes synthetic frame timing records into a running hint agent.
package stress

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/framepulse/power-hint-advisor/internal/feed"
)

const defaultFramePeriod = 16666667 * time.Nanosecond

// NewRootCmd creates the hintstress cobra command.
func NewRootCmd() *cobra.Command {
	var (
		socketPath string
		pattern    string
		frames     int
		period     time.Duration
		target     time.Duration
		threads    []int32
		seed       int64
		spikeEvery int
	)

	cmd := &cobra.Command{
		Use:   "hintstress",
		Short: "Push synthetic frame timings into a hint agent feed socket",
		Long: "hintstress connects to a hint agent feed socket, starts a hint session and " +
			"replays a synthetic frame timing pattern against it. Patterns: steady (constant " +
			"durations), jitter (durations scattered around the baseline), spike (steady with " +
			"periodic overruns).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := patternFunc(pattern, target, spikeEvery, rand.New(rand.NewSource(seed)))
			if err != nil {
				return err
			}

			conn, err := net.Dial("unix", socketPath)
			if err != nil {
				return fmt.Errorf("dial feed socket: %w", err)
			}
			defer conn.Close()

			encoder := json.NewEncoder(conn)
			setup := []feed.Record{
				{Kind: feed.KindEnable, Enabled: true},
				{Kind: feed.KindBootFinished},
				{Kind: feed.KindStart, ThreadIDs: threads},
				{Kind: feed.KindTarget, DurationNs: target.Nanoseconds()},
			}
			for _, rec := range setup {
				if err := encoder.Encode(rec); err != nil {
					return fmt.Errorf("send %s record: %w", rec.Kind, err)
				}
			}

			for i := 0; i < frames; i++ {
				rec := feed.Record{
					Kind:        feed.KindActual,
					DurationNs:  next(i).Nanoseconds(),
					TimestampNs: time.Now().UnixNano(),
				}
				if err := encoder.Encode(rec); err != nil {
					return fmt.Errorf("send frame %d: %w", i, err)
				}
				if period > 0 {
					time.Sleep(period)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %d %s frames (target %s) to %s\n",
				frames, pattern, target, socketPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "/run/hintagent/feed.sock", "Feed socket to connect to")
	cmd.Flags().StringVar(&pattern, "pattern", "steady", "Frame timing pattern (steady|jitter|spike)")
	cmd.Flags().IntVar(&frames, "frames", 600, "Number of frames to send")
	cmd.Flags().DurationVar(&period, "period", defaultFramePeriod, "Delay between frames")
	cmd.Flags().DurationVar(&target, "target", defaultFramePeriod, "Target work duration to announce")
	cmd.Flags().Int32SliceVar(&threads, "threads", []int32{1, 2}, "Thread ids backing the session")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Seed for the jitter pattern")
	cmd.Flags().IntVar(&spikeEvery, "spike-every", 10, "Frame interval between spikes")

	return cmd
}

// patternFunc returns a generator mapping a frame index to an actual work
// duration. Steady frames run at 90% of the target so reports stay inside the
// rate limiter's deviation band until the pattern breaks out of it.
func patternFunc(pattern string, target time.Duration, spikeEvery int, rng *rand.Rand) (func(int) time.Duration, error) {
	base := target * 9 / 10

	switch pattern {
	case "steady":
		return func(int) time.Duration { return base }, nil
	case "jitter":
		spread := target / 5
		return func(int) time.Duration {
			return base - spread/2 + time.Duration(rng.Int63n(int64(spread)))
		}, nil
	case "spike":
		if spikeEvery < 1 {
			return nil, fmt.Errorf("spike-every must be at least 1, got %d", spikeEvery)
		}
		return func(i int) time.Duration {
			if i%spikeEvery == spikeEvery-1 {
				return base * 2
			}
			return base
		}, nil
	default:
		return nil, fmt.Errorf("unknown pattern %q", pattern)
	}
}
