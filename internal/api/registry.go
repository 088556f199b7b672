package api

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Group is a named set of endpoints that becomes one subcommand.
type Group struct {
	Name  string
	Short string
}

type registration struct {
	group    string
	endpoint Endpoint
}

// Registry holds all registered endpoints.
type Registry struct {
	groups        []Group
	registrations []registration
}

// NewRegistry creates a new endpoint registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddGroup declares a command group. Groups appear in declaration order.
func (r *Registry) AddGroup(g Group) {
	r.groups = append(r.groups, g)
}

// Register adds an endpoint under group. An empty group places the command
// directly under "api".
func (r *Registry) Register(group string, ep Endpoint) {
	r.registrations = append(r.registrations, registration{group: group, endpoint: ep})
}

// BuildCommands returns a cobra.Command tree for all registered endpoints,
// plus a "routes" command listing them.
// getClient is called at runtime to get the configured client.
func (r *Registry) BuildCommands(getClient func() *Client) (*cobra.Command, error) {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Commands that call the compliance service",
		Long: `API commands call the compliance service via HTTP.

Use --server or server.base_url in the config file to point at the service.

Examples:
  taxdesk api routes                  # List every remote operation
  taxdesk api invoices list           # List invoices
  taxdesk api extraction get <id>     # Fetch a stored extraction result`,
	}

	groupCmds := make(map[string]*cobra.Command, len(r.groups))
	for _, g := range r.groups {
		cmd := &cobra.Command{Use: g.Name, Short: g.Short}
		groupCmds[g.Name] = cmd
		apiCmd.AddCommand(cmd)
	}

	for _, reg := range r.registrations {
		parent := apiCmd
		if reg.group != "" {
			cmd, ok := groupCmds[reg.group]
			if !ok {
				return nil, fmt.Errorf("endpoint registered under unknown group %q", reg.group)
			}
			parent = cmd
		}
		parent.AddCommand(reg.endpoint.Command(getClient))
	}

	apiCmd.AddCommand(&cobra.Command{
		Use:   "routes",
		Short: "List the remote operations behind these commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, ep := range r.Endpoints() {
				method, path := ep.Route()
				fmt.Fprintf(tw, "%s\t%s\n", method, path)
			}
			return tw.Flush()
		},
	})

	return apiCmd, nil
}

// Endpoints returns all registered endpoints.
func (r *Registry) Endpoints() []Endpoint {
	eps := make([]Endpoint, len(r.registrations))
	for i, reg := range r.registrations {
		eps[i] = reg.endpoint
	}
	return eps
}
