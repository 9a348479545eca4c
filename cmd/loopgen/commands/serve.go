package commands

import (
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopgen/loopgen/pkg/checkpoint"
	"github.com/loopgen/loopgen/pkg/gen"
	"github.com/loopgen/loopgen/pkg/ort"
	"github.com/loopgen/loopgen/pkg/serve"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a checkpoint over HTTP and websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		log := logger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := cfg.buildStore()
		if err != nil {
			return err
		}
		var manifest checkpoint.Manifest
		if cfg.Serve.CheckpointID != "" {
			manifest, err = store.Manifest(ctx, cfg.Serve.CheckpointID)
		} else {
			manifest, err = store.Latest(ctx)
		}
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		log.Info("serving checkpoint", "id", manifest.ID, "step", manifest.Step, "levels", manifest.Levels, "vocab", manifest.VocabSize)

		env, err := ort.NewEnv("loopgen")
		if err != nil {
			return err
		}
		defer env.Close()

		modelCfg := cfg.Serve.Model
		if modelCfg.VocabSize == 0 {
			modelCfg.VocabSize = manifest.VocabSize
		}
		model, err := gen.NewONNXModel(env, modelCfg)
		if err != nil {
			return err
		}
		defer model.Close()

		srv, err := serve.New(model, manifest, cfg.Serve.Sampling, log)
		if err != nil {
			return err
		}

		httpSrv := &http.Server{
			Addr:              cfg.Serve.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			httpSrv.Close()
		}()

		log.Info("listening", "addr", cfg.Serve.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
