package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taxdesk/taxdesk/internal/api"
	"github.com/taxdesk/taxdesk/internal/compliance"
	"github.com/taxdesk/taxdesk/internal/stage"
	"github.com/taxdesk/taxdesk/internal/stream"
	"github.com/taxdesk/taxdesk/internal/svcctx"
	"github.com/taxdesk/taxdesk/internal/transcript"
)

// current holds the services built for the executing command. Endpoint
// commands are constructed before flags are parsed, so they read it lazily.
var current *svcctx.Services

func getClient() *api.Client {
	return current.Client
}

var streamInputFile string

var streamCmd = &cobra.Command{
	Use:   "stream <stage> <upload-id>",
	Short: "Run a single stage and follow its progress stream",
	Long: `Stream opens the progress stream of one stage and prints its messages
until the stage completes or fails, then prints the result.

Every stage after extraction needs its predecessor's result. It is read from
--input when given, otherwise fetched from the service.

Examples:
  taxdesk api stream extraction 42
  taxdesk api stream validation 42 --input extraction.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc := services(cmd)

		spec, ok := stage.DefaultRegistry().Get(stage.Name(args[0]))
		if !ok {
			return fmt.Errorf("%w: %q", compliance.ErrUnknownStage, args[0])
		}
		uploadID := args[1]

		var input json.RawMessage
		switch {
		case streamInputFile != "":
			data, err := os.ReadFile(streamInputFile)
			if err != nil {
				return err
			}
			if !json.Valid(data) {
				return fmt.Errorf("--input: %s is not valid JSON", streamInputFile)
			}
			input = data
		case spec.RequiresInput():
			prev, err := svc.Compliance.StageResult(ctx, spec.DependsOn, uploadID)
			if err != nil {
				return fmt.Errorf("fetching %s result: %w", spec.DependsOn, err)
			}
			input = prev
		}

		stderr := cmd.ErrOrStderr()
		driver := stage.NewDriver(spec, svcctx.TransportFrom(ctx),
			stage.WithLogger(svc.Logger),
			stage.WithIdleTimeout(svc.Config.Get().IdleTimeout()),
		)
		err := driver.Start(ctx, uploadID, input, stage.Callbacks{
			OnMessage: func(m stream.Message) {
				fmt.Fprintf(stderr, "[%s] %s\n", spec.Name, m.Text)
			},
		})
		if err != nil {
			return err
		}
		<-driver.Done()

		if f, failed := driver.Failure(); failed {
			fmt.Fprintf(stderr, "[%s] Error: %s\n", spec.Name, f.Message)
			return f
		}
		if driver.State() != stage.StateCompleted {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("stage stopped before completing")
		}
		result := driver.Result()
		fmt.Fprintf(stderr, "[%s] %s\n", spec.Name, transcript.CompletionLine(spec.Name, result))
		return api.Output(result)
	},
}

func init() {
	streamCmd.Flags().StringVar(&streamInputFile, "input", "", "JSON file holding the predecessor stage's result")

	reg := api.NewRegistry()
	compliance.Register(reg)
	apiCmd, err := reg.BuildCommands(getClient)
	if err != nil {
		panic(err)
	}
	apiCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(apiCmd)
}
