package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aweris/hybridfs"
	"github.com/aweris/hybridfs/internal/gitstore"
)

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file",
	Long:  "Resolve a path like the server does and print it. Markdown is printed as is.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

func init() {
	scopeFlags(catCmd)
	catCmd.Flags().Bool("local", false, "read the version store only")
	rootCmd.AddCommand(catCmd)
}

func runCat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gw, err := openGateway(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	scope, err := gw.ResolveScope(ctx, scopeRequest(cmd))
	if err != nil {
		return err
	}

	if local, _ := cmd.Flags().GetBool("local"); local {
		obj, err := gw.Lookup(ctx, scope, args[0])
		if err != nil {
			return err
		}
		if obj.Kind != gitstore.Blob {
			return fmt.Errorf("%s is a directory", args[0])
		}
		_, err = os.Stdout.Write(obj.Content)
		return err
	}

	res := gw.Resolve(ctx, hybridfs.Request{Scope: scope, Path: args[0], Accept: "text/markdown"})
	if res.Status != http.StatusOK {
		return fmt.Errorf("%s: %d %s", args[0], res.Status, strings.TrimSpace(firstLine(res.Body)))
	}
	fmt.Fprintf(os.Stderr, "(%s)\n", res.Origin)
	_, err = os.Stdout.Write(res.Body)
	return err
}

func firstLine(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
