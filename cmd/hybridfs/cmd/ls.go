package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List a directory",
	Long:  "List a directory of a branch, merged with the branch's content root.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

func init() {
	scopeFlags(lsCmd)
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	dir := ""
	if len(args) > 0 {
		dir = args[0]
	}

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

	entries, found, err := gw.List(ctx, scope, dir)
	if err != nil {
		return err
	}
	if !found && dir != "" {
		return fmt.Errorf("%s: no such directory on branch %s", dir, scope.Branch)
	}
	if len(entries) == 0 {
		fmt.Println("(empty directory)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		name, size := e.Name, "-"
		if e.Dir {
			name += "/"
		} else if e.Size >= 0 {
			size = units.HumanSize(float64(e.Size))
		}
		modified := "-"
		if !e.Modified.IsZero() {
			modified = e.Modified.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, size, modified, e.Origin)
	}
	return w.Flush()
}
