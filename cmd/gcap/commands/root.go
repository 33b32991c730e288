package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// persistence adapters selectable through store.driver
	_ "github.com/lemmego/gcap/gcapbolt"
	_ "github.com/lemmego/gcap/gcapbun"
	_ "github.com/lemmego/gcap/gcapgorm"
	_ "github.com/lemmego/gcap/gcapmem"
	_ "github.com/lemmego/gcap/gcapmongo"
	_ "github.com/lemmego/gcap/gcapredis"
)

const version = "0.1.0"

// NewRootCommand builds the gcap command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gcap",
		Short: "gcap - model-driven service runtime",
		Long: `gcap serves entities and services declared in HCL model files.

Every request runs through before, on and after hooks inside one
transaction of the configured persistence adapter.

Commands:
  check   load a model and report what it exposes
  serve   run the REST server from a YAML configuration
  token   mint a bearer token for the REST server`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCheckCommand(), newServeCommand(), newTokenCommand())
	return root
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
