package cmd

import (
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/wayfinder/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve browser tools over the Model Context Protocol on stdio",
		Long: `Serve browser tools over the Model Context Protocol on stdin and stdout.
Logs go to stderr. Sessions opened by the client are closed when it disconnects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			srv := mcp.NewServer(e.manager, e.logger, Version)
			return srv.Run(cmd.Context(), &sdk.StdioTransport{})
		},
	}
}
