package commands

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loopgen/loopgen/pkg/control"
	"github.com/loopgen/loopgen/pkg/dataset"
	"github.com/loopgen/loopgen/pkg/gen"
	"github.com/loopgen/loopgen/pkg/looper"
	"github.com/loopgen/loopgen/pkg/mask"
)

var (
	vampServer   string
	vampOut      string
	vampPasses   int
	vampRatio    float64
	vampPolicy   string
	vampSpanLen  int
	vampPeriod   int
	vampControls bool
	vampSeed     int64
)

var vampCmd = &cobra.Command{
	Use:   "vamp <loop.wav>",
	Short: "Regenerate part of a loop through a serving endpoint",
	Long: `vamp reads a WAV loop, masks part of its token grid, asks the serving
endpoint to regenerate the masked positions, and writes the decoded
result. Passes chain: each pass feeds on the previous output.

Examples:
  loopgen vamp loop.wav --server ws://localhost:8080/v1/stream -o out.wav
  loopgen vamp loop.wav --policy periodic --period 8 --passes 4 -o out.wav`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		log := logger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pcm, rate, err := dataset.ReadWAV(args[0])
		if err != nil {
			return err
		}
		if rate != cfg.Looper.SampleRate {
			return fmt.Errorf("loop is %d Hz, engine expects %d", rate, cfg.Looper.SampleRate)
		}

		engine := looper.NewEngine(cfg.Looper)
		if err := engine.Capture(pcm); err != nil {
			return err
		}
		log.Info("loop captured", "samples", engine.Len(), "steps", engine.Steps())

		cdc, err := cfg.buildCodec(nil)
		if err != nil {
			return err
		}
		ext, err := control.New(cfg.Control)
		if err != nil {
			return err
		}

		client, err := looper.DialStream(ctx, vampServer, nil)
		if err != nil {
			return err
		}
		defer client.Close()

		var masker *mask.Generator
		if vampSeed >= 0 {
			masker = mask.New(uint64(vampSeed))
		} else {
			masker = mask.NewRandom()
		}
		v, err := looper.NewVamper(engine, cdc, ext, masker, client)
		if err != nil {
			return err
		}

		opts := looper.VampOptions{
			Masking: mask.Config{
				Policy:  mask.Policy(vampPolicy),
				Ratio:   vampRatio,
				SpanLen: vampSpanLen,
				Period:  vampPeriod,
			},
			SendControls: vampControls,
		}
		if vampControls {
			opts.CtrlMasking = mask.Config{LinkToCodes: true}
		}
		if vampSeed >= 0 {
			s := gen.DefaultConfig()
			s.Seed = vampSeed
			opts.Sampling = &s
		}

		for pass := 1; pass <= vampPasses; pass++ {
			if err := v.Vamp(ctx, opts); err != nil {
				return fmt.Errorf("pass %d: %w", pass, err)
			}
			log.Info("vamp pass done", "pass", pass)
		}

		out := vampOut
		if out == "" {
			out = strings.TrimSuffix(args[0], ".wav") + ".vamp.wav"
		}
		loop, err := engine.Loop()
		if err != nil {
			return err
		}
		if err := dataset.WriteWAV(out, loop, cfg.Looper.SampleRate); err != nil {
			return err
		}
		log.Info("loop written", "path", out)
		return nil
	},
}

func init() {
	vampCmd.Flags().StringVar(&vampServer, "server", "ws://localhost:8080/v1/stream", "serving endpoint stream URL")
	vampCmd.Flags().StringVarP(&vampOut, "out", "o", "", "output WAV path (default <input>.vamp.wav)")
	vampCmd.Flags().IntVar(&vampPasses, "passes", 1, "number of regeneration passes")
	vampCmd.Flags().Float64Var(&vampRatio, "ratio", 0.5, "fraction of positions to regenerate")
	vampCmd.Flags().StringVar(&vampPolicy, "policy", string(mask.PolicyPerStep), "mask policy (per_step, per_cell, span, periodic)")
	vampCmd.Flags().IntVar(&vampSpanLen, "span-len", 0, "span length for the span policy")
	vampCmd.Flags().IntVar(&vampPeriod, "period", 0, "keep period for the periodic policy")
	vampCmd.Flags().BoolVar(&vampControls, "controls", false, "send extracted controls for the kept steps")
	vampCmd.Flags().Int64Var(&vampSeed, "seed", -1, "seed for masks and sampling (-1 for random)")
	rootCmd.AddCommand(vampCmd)
}
