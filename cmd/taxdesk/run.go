package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/config"
	"github.com/taxdesk/taxdesk/internal/ingest"
	"github.com/taxdesk/taxdesk/internal/pipeline"
	"github.com/taxdesk/taxdesk/internal/review"
	"github.com/taxdesk/taxdesk/internal/runs"
	"github.com/taxdesk/taxdesk/internal/transcript"
	"github.com/taxdesk/taxdesk/internal/types"
)

var (
	runUploadIDs   []string
	runExtraction  string
	runResume      string
	runWatchConfig bool
	runQuiet       bool
)

// runOutput is what `taxdesk run` prints once every run has stopped.
type runOutput struct {
	Runs    []review.Outcome   `json:"runs"`
	Skipped []pipeline.Skipped `json:"skipped,omitempty"`
}

var runCmd = &cobra.Command{
	Use:   "run [file...]",
	Short: "Upload documents and run the compliance pipeline on them",
	Long: `Run uploads the given documents and drives each through extraction,
validation, resolution and reporting, printing progress as it arrives.

Uploads are processed in order: the next upload starts once the previous one
has finished extraction. Every run is saved under the home directory.

Examples:
  taxdesk run invoice-1.pdf invoice-2.pdf
  taxdesk run --upload-id 42 --upload-id 43
  taxdesk run --upload-id 42 --extraction-result extraction.json
  taxdesk run --resume 7f9c2d1e-0b7a-4c55-9a57-3d8e2a1f6b10`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringArrayVar(&runUploadIDs, "upload-id", nil, "run on an existing upload (repeatable)")
	runCmd.Flags().StringVar(&runExtraction, "extraction-result", "", "JSON file with a cached extraction result; starts at validation (single --upload-id only)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume a saved run from its first missing stage")
	runCmd.Flags().BoolVar(&runWatchConfig, "watch-config", false, "apply pipeline.stage_idle_timeout_seconds changes from the config file while running")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "print stage transitions only, not every message")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc := services(cmd)
	logger := svc.Logger

	sources := 0
	for _, set := range []bool{len(args) > 0, len(runUploadIDs) > 0, runResume != ""} {
		if set {
			sources++
		}
	}
	switch {
	case sources == 0:
		return errors.New("nothing to run: pass files, --upload-id or --resume")
	case sources > 1:
		return errors.New("files, --upload-id and --resume are mutually exclusive")
	case runExtraction != "" && len(runUploadIDs) != 1:
		return errors.New("--extraction-result needs exactly one --upload-id")
	}

	var opts []transcript.Option
	if runQuiet {
		opts = append(opts, transcript.Quiet())
	}
	printer := transcript.New(cmd.ErrOrStderr(), opts...)
	recorder := runs.NewRecorder(svc.Runs, logger)

	ctrl, err := pipeline.NewController(pipeline.Config{
		Subscriber:  svc.Transport,
		IdleTimeout: svc.Config.Get().IdleTimeout(),
		OnProgress: func(ev pipeline.Event) {
			printer.Event(ev)
			recorder.OnProgress(ev)
		},
		OnFinish: recorder.OnFinish,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	recorder.Attach(ctrl)

	if runWatchConfig {
		svc.Config.OnChange(func(cfg *config.Config) {
			ctrl.SetIdleTimeout(cfg.IdleTimeout())
		})
		if err := svc.Config.WatchConfig(); err != nil {
			return fmt.Errorf("--watch-config: %w", err)
		}
	}

	// Runs stop on their own when ctx is cancelled; waiting past the
	// cancellation lets the final states be saved and printed.
	waitCtx := context.WithoutCancel(ctx)

	var out runOutput
	switch {
	case runResume != "":
		prev, err := svc.Runs.Load(ctx, runResume)
		if err != nil {
			return err
		}
		r, err := ctrl.Resume(ctx, prev)
		if err != nil {
			return err
		}
		st, err := r.Wait(waitCtx)
		if err != nil {
			return err
		}
		out.Runs = []review.Outcome{review.Summarize(st)}

	case runExtraction != "":
		data, err := os.ReadFile(runExtraction)
		if err != nil {
			return err
		}
		if !json.Valid(data) {
			return fmt.Errorf("--extraction-result: %s is not valid JSON", runExtraction)
		}
		r, err := ctrl.Run(ctx, runUploadIDs[0], data)
		if err != nil {
			return err
		}
		st, err := r.Wait(waitCtx)
		if err != nil {
			return err
		}
		out.Runs = []review.Outcome{review.Summarize(st)}

	default:
		uploads, err := uploadsFor(cmd, args, printer)
		if err != nil {
			return err
		}
		batch := ctrl.RunBatch(ctx, uploads)
		states, err := batch.Wait(waitCtx)
		for _, st := range states {
			if st.RunID != "" {
				out.Runs = append(out.Runs, review.Summarize(st))
			}
		}
		out.Skipped = batch.Skipped()
		if err != nil {
			logger.Error("batch did not start every upload", "error", err)
			if outErr := api.Output(out); outErr != nil {
				return outErr
			}
			return err
		}
	}

	if err := api.Output(out); err != nil {
		return err
	}

	unfinished := 0
	for _, o := range out.Runs {
		if o.Status != pipeline.StatusCompleted {
			unfinished++
		}
	}
	if unfinished > 0 {
		return fmt.Errorf("%d of %d runs did not complete", unfinished, len(out.Runs))
	}
	return nil
}

// uploadsFor returns the uploads to process: the given files after uploading
// them, or records for the --upload-id values.
func uploadsFor(cmd *cobra.Command, paths []string, printer *transcript.Printer) ([]types.UploadRecord, error) {
	if len(paths) == 0 {
		records := make([]types.UploadRecord, len(runUploadIDs))
		for i, id := range runUploadIDs {
			records[i] = types.UploadRecord{ID: types.ID(id), Status: types.UploadStatusUploaded}
		}
		return records, nil
	}

	svc := services(cmd)
	files, err := ingest.Inspect(paths, svc.Logger)
	if err != nil {
		return nil, err
	}
	records, err := svc.Compliance.Upload(cmd.Context(), files)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	for _, rec := range records {
		if rec.ID != "" {
			printer.Name(rec.ID.String(), rec.Filename)
		}
	}
	svc.Logger.Info("uploaded documents", "count", len(records))
	return records, nil
}
