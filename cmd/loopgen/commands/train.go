package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loopgen/loopgen/pkg/dataset"
	"github.com/loopgen/loopgen/pkg/trainer"

	"github.com/loopgen/loopgen/pkg/control"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Assemble batches and drive the model runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		log := logger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		idx, err := cfg.openIndex(ctx)
		if err != nil {
			return err
		}
		trainIdx, valIdx := idx.Split(cfg.Dataset.ValFraction, cfg.Dataset.SplitSeed)
		log.Info("chunk index loaded", "train", trainIdx.Len(), "val", valIdx.Len())

		var cache *dataset.Cache
		if cfg.Dataset.CacheDir != "" || cfg.Dataset.InMemoryCache {
			cache, err = dataset.NewCache(dataset.CacheOptions{
				Dir:      cfg.Dataset.CacheDir,
				InMemory: cfg.Dataset.InMemoryCache,
			})
			if err != nil {
				return fmt.Errorf("open window cache: %w", err)
			}
			defer cache.Close()
		}

		cdc, err := cfg.buildCodec(nil)
		if err != nil {
			return err
		}
		ext, err := control.New(cfg.Control)
		if err != nil {
			return err
		}

		trainLoader, err := dataset.NewLoader(cfg.Dataset.Config, trainIdx, cache, log)
		if err != nil {
			return err
		}
		valLoader, err := dataset.NewLoader(cfg.Dataset.Config, valIdx, cache, log)
		if err != nil {
			return err
		}

		trainBuilder, err := trainer.NewBuilder(trainLoader, cdc, ext,
			cfg.Trainer.CodesMasking, cfg.Trainer.CtrlMasking)
		if err != nil {
			return err
		}
		var valBuilder *trainer.Builder
		if valIdx.Len() > 0 {
			valBuilder, err = trainer.NewBuilder(valLoader, cdc, ext,
				cfg.Trainer.CodesMasking, cfg.Trainer.CtrlMasking)
			if err != nil {
				return err
			}
		}

		if cfg.Trainer.RuntimeURL == "" {
			return fmt.Errorf("trainer: runtime_url is required")
		}
		stepper, err := trainer.DialRemote(ctx, cfg.Trainer.RuntimeURL, nil)
		if err != nil {
			return err
		}
		defer stepper.Close()

		store, err := cfg.buildStore()
		if err != nil {
			return err
		}

		tr, err := trainer.New(cfg.Trainer.Config, trainBuilder, valBuilder, stepper, store, cfg.Control, log)
		if err != nil {
			return err
		}
		log.Info("training", "steps", cfg.Trainer.Steps, "batch_size", cfg.Trainer.BatchSize, "runtime", cfg.Trainer.RuntimeURL)
		return tr.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)
}
