package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"
)

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "Inspect the chunk database",
}

var chunksJQ string

var chunksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chunks as JSON, optionally filtered with a jq expression",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		idx, err := cfg.openIndex(cmd.Context())
		if err != nil {
			return err
		}

		chunks := make([]any, 0, idx.Len())
		for i := 0; i < idx.Len(); i++ {
			data, err := json.Marshal(idx.At(i))
			if err != nil {
				return err
			}
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			chunks = append(chunks, v)
		}

		enc := json.NewEncoder(os.Stdout)
		if chunksJQ == "" {
			return enc.Encode(chunks)
		}

		query, err := gojq.Parse(chunksJQ)
		if err != nil {
			return fmt.Errorf("invalid jq expression %q: %w", chunksJQ, err)
		}
		iter := query.Run(chunks)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				return fmt.Errorf("jq: %w", err)
			}
			if err := enc.Encode(v); err != nil {
				return err
			}
		}
		return nil
	},
}

var (
	statsHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	statsCellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

var chunksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize chunk counts and durations per dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		idx, err := cfg.openIndex(cmd.Context())
		if err != nil {
			return err
		}

		byDataset := idx.ByDataset()
		names := make([]string, 0, len(byDataset))
		for name := range byDataset {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println(statsHeaderStyle.Render(fmt.Sprintf("%-24s %10s %14s", "DATASET", "CHUNKS", "HOURS")))
		var totalChunks int
		var totalSeconds float64
		for _, name := range names {
			s := byDataset[name]
			totalChunks += s.Chunks
			totalSeconds += s.TotalDuration
			fmt.Println(statsCellStyle.Render(
				fmt.Sprintf("%-24s %10d %14.2f", name, s.Chunks, s.TotalDuration/3600)))
		}
		fmt.Println(statsHeaderStyle.Render(
			fmt.Sprintf("%-24s %10d %14.2f", "total", totalChunks, totalSeconds/3600)))
		return nil
	},
}

func init() {
	chunksListCmd.Flags().StringVar(&chunksJQ, "jq", "", "jq expression applied to the chunk array")
	chunksCmd.AddCommand(chunksListCmd)
	chunksCmd.AddCommand(chunksStatsCmd)
	rootCmd.AddCommand(chunksCmd)
}
