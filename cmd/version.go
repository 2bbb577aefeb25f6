package cmd

import (
	"log"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/tass-io/langworker/cmd.Version=..."
var Version = "v0.1.0"

type VersionInfo struct {
	LangworkerVersion string
	GoVersion         string
	Compiler          string
	Platform          string
}

func (info *VersionInfo) String() string {
	return "{Langworker version: " + info.LangworkerVersion + ", Go version: " +
		info.GoVersion + ", Compiler version: " + info.Compiler + ", Platform: " + info.Platform + "}"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Version of langworker.",
	Long:  "Version of langworker.",
	Run: func(cmd *cobra.Command, args []string) {
		info := &VersionInfo{
			LangworkerVersion: Version,
			GoVersion:         runtime.Version(),
			Compiler:          runtime.Compiler,
			Platform:          runtime.GOOS + "/" + runtime.GOARCH,
		}
		log.Println(info.String())
	},
}
