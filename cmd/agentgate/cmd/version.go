package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version and its siblings are overridden at release time via
// -ldflags; a plain `go build` falls back to module build info.
var (
	Version   = "0.9.0"
	Commit    = ""
	BuildDate = ""
)

// buildMetadata fills Commit and BuildDate from the embedded VCS
// stamp when ldflags left them empty.
func buildMetadata() (commit, date string) {
	commit, date = Commit, BuildDate
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, date
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if commit == "" {
				commit = s.Value
			}
		case "vcs.time":
			if date == "" {
				date = s.Value
			}
		}
	}
	return commit, date
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		commit, date := buildMetadata()
		if commit == "" {
			commit = "unknown"
		}
		if date == "" {
			date = "unknown"
		}
		fmt.Printf("agentgate %s (%s, built %s, %s %s/%s)\n",
			Version, commit, date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
