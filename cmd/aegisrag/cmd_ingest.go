package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aegisrag/aegisrag/internal/store"
)

var ingestType string

var ingestCmd = &cobra.Command{
	Use:   "ingest <pattern>...",
	Short: "Ingest files into the knowledge base",
	Long: `Ingest text files matched by the given glob patterns. Patterns support
doublestar syntax, e.g. "docs/**/*.md". Audio and video transcripts are
ingested with --type audio or --type video; image descriptions with
--type image when a joint index is configured.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceType, err := store.ParseSourceType(ingestType)
		if err != nil {
			return err
		}

		files, err := expandPatterns(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no files matched")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var bar *progressbar.ProgressBar
		if term.IsTerminal(int(os.Stderr.Fd())) {
			bar = progressbar.NewOptions(len(files),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("ingesting"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}

		var added, skipped, failed int
		for _, path := range files {
			if bar != nil {
				_ = bar.Add(1)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				logger.Error("read file", "path", path, "error", err)
				failed++
				continue
			}
			fragments, err := a.extractor.Extract(data)
			if err != nil {
				logger.Error("extract", "path", path, "error", err)
				failed++
				continue
			}
			res, err := a.coord.Ingest(cmd.Context(), filepath.Base(path), sourceType, fragments)
			if err != nil {
				logger.Error("ingest", "path", path, "error", err)
				failed++
				continue
			}
			added += res.ChunksAdded
			skipped += res.DuplicatesSkipped
		}
		if bar != nil {
			_ = bar.Finish()
		}

		cmd.Printf("Ingested %d files: %d chunks added, %d duplicates skipped", len(files)-failed, added, skipped)
		if failed > 0 {
			cmd.Printf(", %d files failed", failed)
		}
		cmd.Println()
		if failed > 0 {
			return fmt.Errorf("%d files failed", failed)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestType, "type", "t", "document", "source type: document, image, audio or video")
}

func expandPatterns(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}
