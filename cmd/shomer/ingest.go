package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/pack"
)

type ingestResult struct {
	URL       string `json:"url"`
	CaseID    string `json:"case_id,omitempty"`
	OK        bool   `json:"ok"`
	PackPath  string `json:"pack_path,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

type ingestOutput struct {
	OK      bool           `json:"ok"`
	Results []ingestResult `json:"results"`
}

func (c *cli) ingestCommand() *cobra.Command {
	var metricsFile string
	command := &cobra.Command{
		Use:   "ingest [url...]",
		Short: "Fetch URLs and produce a signed pack per case",
		Long:  "Ingest each URL, or the configured seed_urls when none are given. Each URL becomes one case; a failed case does not stop the others.",
		RunE: func(cmd *cobra.Command, arguments []string) error {
			runtime, err := c.openIngestRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = runtime.Close()
			}()

			urls := arguments
			if len(urls) == 0 {
				urls = runtime.config.SeedURLs
			}
			if len(urls) == 0 {
				return coreerrors.New(coreerrors.CategoryInvalidInput, "ingest_url_missing", "no URL given and config has no seed_urls")
			}

			output := ingestOutput{OK: true, Results: make([]ingestResult, 0, len(urls))}
			var firstErr error
			for _, rawURL := range urls {
				rawURL = strings.TrimSpace(rawURL)
				caseID, err := runtime.pipeline.Ingest(cmd.Context(), rawURL)
				result := ingestResult{URL: rawURL, CaseID: caseID, OK: err == nil}
				if err != nil {
					output.OK = false
					result.Error = err.Error()
					result.ErrorCode = coreerrors.CodeOf(err)
					if firstErr == nil {
						firstErr = err
					}
				} else {
					result.PackPath = pack.PackPath(runtime.config.Storage.BasePath, caseID)
				}
				output.Results = append(output.Results, result)
			}

			if metricsFile != "" {
				if err := prometheus.WriteToTextfile(filepath.Clean(metricsFile), runtime.registry); err != nil {
					return coreerrors.Wrap(fmt.Errorf("write metrics file: %w", err), coreerrors.CategoryIOFailure, "metrics_write_failed", "", false)
				}
			}
			if err := c.writeJSON(output); err != nil {
				return err
			}
			if firstErr != nil {
				c.exitCode = exitCodeForError(firstErr, exitInternalFailure)
			}
			return nil
		},
	}
	command.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus text metrics to this file after the run")
	return command
}
