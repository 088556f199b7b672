package api

import (
	"github.com/spf13/cobra"
)

// Endpoint defines a remote API operation and its corresponding CLI command.
// This provides a single source of truth for API operations.
type Endpoint interface {
	// Route returns the HTTP method and path template of this endpoint,
	// relative to the API root.
	Route() (method, path string)

	// Command returns a Cobra command that calls this endpoint via HTTP.
	// getClient is called at runtime, after flags and config are resolved.
	Command(getClient func() *Client) *cobra.Command
}
