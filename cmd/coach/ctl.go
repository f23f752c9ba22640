package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/interview-practice-lab/internal/config"
	"github.com/interview-practice-lab/internal/control"
)

var (
	ctlAddr    string
	ctlTimeout time.Duration
	ctlWait    bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running coach instance",
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "", "control address (default from control_addr)")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 15*time.Second, "request timeout")

	stopCmd := ctlTool("stop", "Stop recording and flush the media buffer", control.ToolStopRecording, func() map[string]any {
		return map[string]any{"wait": ctlWait}
	})
	stopCmd.Flags().BoolVar(&ctlWait, "wait", true, "wait for the flush outcome")

	ctlCmd.AddCommand(
		ctlTool("start", "Start recording", control.ToolStartRecording, nil),
		stopCmd,
		ctlTool("status", "Show recording state", control.ToolStatus, nil),
		ctlTool("results", "Show the latest transcript, expression and feedback", control.ToolLatestResults, nil),
		ctlTool("acquire", "Acquire the camera and microphone", control.ToolAcquireDevice, nil),
	)
	rootCmd.AddCommand(ctlCmd)
}

func ctlTool(use, short, tool string, args func() map[string]any) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var a map[string]any
			if args != nil {
				a = args()
			}
			text, err := callControl(cmd.Context(), tool, a)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if json.Indent(&pretty, []byte(text), "", "  ") == nil {
				text = pretty.String()
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}

func callControl(ctx context.Context, tool string, args map[string]any) (string, error) {
	addr := ctlAddr
	if addr == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return "", err
		}
		addr = cfg.ControlAddr
	}
	ctx, cancel := context.WithTimeout(ctx, ctlTimeout)
	defer cancel()

	client := control.NewClientWrapper("coach-ctl", control.Version)
	if err := client.ConnectWebSocket(ctx, controlURL(addr)); err != nil {
		return "", fmt.Errorf("connect %s: %w", addr, err)
	}
	defer client.Close()
	return client.CallTool(ctx, tool, args)
}

// controlURL turns a listen address such as ":9090" into the websocket URL.
func controlURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/") + "/mcp/ws"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + "/mcp/ws"
}
