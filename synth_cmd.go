package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/speakahead/internal/app"
	"github.com/dgnsrekt/speakahead/internal/audio"
	"github.com/dgnsrekt/speakahead/internal/operation"
	"github.com/dgnsrekt/speakahead/internal/pipeline"
	"github.com/dgnsrekt/speakahead/internal/segment"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

var (
	synthVoice string
	synthRate  float64
	synthOut   string
	synthPlay  bool
	synthPlain bool

	synthCmd = &cobra.Command{
		Use:   "synth [TEXT|-]",
		Short: "Synthesize text through the cache",
		Long: paragraph(fmt.Sprintf("\n%s text one sentence per segment. Markdown formatting and code blocks are stripped. Segments ahead of the current one are prefetched, and audio already in the cache is reused.",
			keyword("Synthesize"))),
		Example: paragraph("speakahead synth -v piper:amy \"Hello there.\"\nspeakahead synth -v piper:amy -o out/ < chapter.txt\nspeakahead synth -v piper:amy --play < chapter.txt"),
		Args:    cobra.MaximumNArgs(1),
		RunE:    runSynth,
	}
)

func init() {
	synthCmd.Flags().StringVarP(&synthVoice, "voice", "v", "", "voice id, e.g. piper:amy")
	synthCmd.Flags().Float64VarP(&synthRate, "rate", "r", 1.0, "playback rate")
	synthCmd.Flags().StringVarP(&synthOut, "out", "o", "", "output file, or directory for multiple segments")
	synthCmd.Flags().BoolVarP(&synthPlay, "play", "p", false, "play the segments while the rest are prefetched")
	synthCmd.Flags().BoolVar(&synthPlain, "plain", false, "treat input as plain text, not markdown")
	_ = synthCmd.MarkFlagRequired("voice")
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to open file: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}

// readSegments splits r into one segment per sentence.
func readSegments(r io.Reader, voice string, markdown bool) ([]pipeline.Segment, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	splitter := segment.NewSplitter()
	splitter.Markdown = markdown

	var segs []pipeline.Segment
	for _, sent := range splitter.Split(string(b)) {
		segs = append(segs, pipeline.Segment{
			ID:      fmt.Sprintf("s%03d", len(segs)),
			Index:   len(segs),
			Text:    sent,
			VoiceID: voice,
		})
	}
	return segs, nil
}

func runSynth(cmd *cobra.Command, args []string) error {
	var src io.Reader
	switch {
	case len(args) == 1 && args[0] != "-":
		src = strings.NewReader(args[0])
	default:
		if len(args) == 0 {
			if yes, err := stdinIsPipe(); err != nil {
				return err
			} else if !yes {
				return errors.New("no text given: pass TEXT or pipe it on stdin")
			}
		}
		src = os.Stdin
	}

	segs, err := readSegments(src, synthVoice, !synthPlain)
	if err != nil {
		return fmt.Errorf("unable to read text: %w", err)
	}
	if len(segs) == 0 {
		return errors.New("no text to synthesize")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	a.Watch(ctx)

	if synthPlay {
		return playSegments(ctx, a, segs)
	}

	op := a.Pipeline.Begin(operation.KindLoadChapter)
	a.Pipeline.SetAutoConcurrency(true)

	start := time.Now()
	var total time.Duration
	for i := range segs {
		cursor := synth.StaticCursor{Index: i, Speed: synthRate}
		a.Pipeline.Observe(cursor)

		results, err := a.Pipeline.RequestWindow(ctx, op, segs, cursor)
		if err != nil {
			return err
		}
		res := results[i]
		if res.OK() && synthOut != "" {
			res = materialize(ctx, a.Pipeline, segs[i], len(segs))
		}
		printResult(segs[i], res)
		if !res.OK() {
			return fmt.Errorf("segment %s failed", segs[i].ID)
		}
		total += res.Duration
	}

	st := a.Pipeline.Stats()
	fmt.Println(styled(dimStyle, fmt.Sprintf("%d segments, %s of audio in %s, cache %s (%.0f%% hits)",
		len(segs), total.Round(time.Millisecond), time.Since(start).Round(time.Millisecond),
		humanize.IBytes(uint64(st.Cache.Bytes)), st.Cache.HitRate*100))) //nolint:gosec
	return nil
}

// playSegments reads segs aloud. The demand controller follows the live
// playback cursor.
func playSegments(ctx context.Context, a *app.App, segs []pipeline.Segment) error {
	player := audio.NewPlayer()
	defer func() { _ = player.Close() }()

	reader := audio.NewReader(a.Pipeline, player, synthRate)
	a.Pipeline.SetAutoConcurrency(true)
	a.Pipeline.Start(ctx, reader.Cursor())

	err := reader.Read(ctx, segs, printResult)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// materialize copies a cached segment to the --out location.
func materialize(ctx context.Context, p *pipeline.Pipeline, seg pipeline.Segment, n int) synth.Result {
	out := synthOut
	if n > 1 || strings.HasSuffix(out, string(os.PathSeparator)) {
		if err := os.MkdirAll(out, 0o755); err != nil {
			return synth.Failed(err)
		}
		out = filepath.Join(out, seg.ID+".wav")
	}
	return p.SynthesizeSegment(ctx, &synth.Request{
		SegmentID:    seg.ID,
		SegmentIndex: seg.Index,
		Text:         synth.NormalizeText(seg.Text),
		VoiceID:      seg.VoiceID,
		OutputPath:   out,
		Rate:         synthRate,
		Priority:     synth.PriorityImmediate,
	})
}

func printResult(seg pipeline.Segment, res synth.Result) {
	if !res.OK() {
		msg := res.Outcome.String()
		var se *synth.Error
		if errors.As(res.Err, &se) {
			msg = se.UserMessage()
		} else if res.Err != nil {
			msg = res.Err.Error()
		}
		fmt.Printf("%s %s\n", styled(failStyle, seg.ID), msg)
		return
	}
	source := "synthesized"
	if res.CacheHit {
		source = "cached"
	}
	fmt.Printf("%s %s %s %s\n",
		styled(headerStyle, seg.ID),
		res.Duration.Round(time.Millisecond),
		styled(dimStyle, source),
		res.Path)
}
