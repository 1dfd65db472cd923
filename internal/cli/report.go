package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"memprof/internal/profiler"
)

func reportCmd() *cobra.Command {
	var profileDir, format string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the measurements stored in a profile directory, ordered by local batch size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if profileDir == "" {
				return fmt.Errorf("missing --profile-dir")
			}
			ms, err := profiler.ReadDir(profileDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				b, _ := json.MarshalIndent(ms, "", "  ")
				fmt.Fprintln(out, string(b))
			case "yaml":
				b, err := yaml.Marshal(ms)
				if err != nil {
					return err
				}
				fmt.Fprint(out, string(b))
			default:
				return fmt.Errorf("unsupported --format %q (json|yaml)", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profileDir, "profile-dir", "", "Directory of profile data files")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json|yaml")
	return cmd
}
