package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <dir> <ref>",
	Short: "Publish a directory as an OCI content root",
	Long: "Pack the files of a directory into an OCI image and push it to a registry.\n" +
		"The printed digest reference can be used as ipfs.rootHash with the oci backend.",
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	dir, ref := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	files, err := collectFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%s: no files to publish", dir)
	}

	fmt.Fprintf(os.Stderr, "Publishing %d files to %s...\n", len(files), ref)

	root, err := newOCI(cfg.Network).Publish(cmd.Context(), ref, files)
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Done.\n")
	fmt.Println(root)
	return nil
}

// collectFiles reads every regular file under dir, keyed by slash path.
// .git directories are skipped.
func collectFiles(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	return files, err
}
