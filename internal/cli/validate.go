package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/patchbay/patchbay/pkg/plugin"
)

var validateCmd = &cobra.Command{
	Use:   "validate <path>...",
	Short: "Validate plugin manifests",
	Long: `Validate plugin manifests without loading anything.
Each path may be a manifest file or a plugin directory; directories are
scanned the same way daemon startup discovery scans them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger := zerolog.New(io.Discard)
	loader := plugin.NewLoader(logger, plugin.NewValidator(logger))
	out := cmd.OutOrStdout()

	failures := 0
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			failures++
			continue
		}

		if info.IsDir() {
			discovered, errs := loader.Discover([]string{path})
			for _, dm := range discovered {
				fmt.Fprintf(out, "OK   %s (%s %s, %d tools)\n",
					dm.ManifestPath, dm.Manifest.ID, dm.Manifest.Version, len(dm.Manifest.Tools))
			}
			for failedPath, err := range errs {
				fmt.Fprintf(out, "FAIL %s: %v\n", failedPath, err)
				failures++
			}
			if len(discovered) == 0 && len(errs) == 0 {
				fmt.Fprintf(out, "WARN %s: no manifests found\n", path)
			}
			continue
		}

		manifest, err := loader.LoadFile(path)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			failures++
			continue
		}
		fmt.Fprintf(out, "OK   %s (%s %s, %d tools)\n",
			path, manifest.ID, manifest.Version, len(manifest.Tools))
	}

	if failures > 0 {
		return fmt.Errorf("%d manifest(s) failed validation", failures)
	}
	return nil
}
