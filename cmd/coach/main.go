// Command coach is the interview-practice capture coordinator. `coach run`
// owns the camera and microphone and streams to the analysis backend;
// `coach ctl` drives a running instance over its control socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "coach",
	Short:         "Interview practice capture and streaming coordinator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./coach.yaml or $HOME/.config/coach/coach.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coach:", err)
		os.Exit(1)
	}
}
