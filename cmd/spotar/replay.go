package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/spotar/internal/scenario"
)

var replayCmd = &cobra.Command{
	Use:   "replay <script.yaml>",
	Short: "Replay a scripted SPOTA session without a radio",
	Long: `Runs a YAML session script through the receiver and prints every routed
message, ATT response and notification.

Script example:
  name: one block
  host: true
  steps:
    - create: {patch_data_size: 4}
    - connect: "11:22:33:44:55:66"
    - enable: {conn: "11:22:33:44:55:66"}
    - write: {conn: "11:22:33:44:55:66", char: patch_status_ntf_cfg, value: "0100"}
    - write: {conn: "11:22:33:44:55:66", char: mem_dev, value: "00000013"}
    - write: {conn: "11:22:33:44:55:66", char: patch_len, value: "0400"}
    - write: {conn: "11:22:33:44:55:66", char: patch_data, value: "01020304"}
    - expect: {pending: false, values: {patch_status: "02"}}`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var (
	replayNoColor bool
	replayImage   string
)

func init() {
	replayCmd.Flags().BoolVar(&replayNoColor, "no-color", false, "Disable colored output")
	replayCmd.Flags().StringVar(&replayImage, "image", "", "Write the image assembled by the host to this file")
}

func runReplay(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, nil)
	if err != nil {
		return err
	}

	script, err := scenario.Load(args[0])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	res, runErr := scenario.Run(script, logger)
	if res == nil {
		return runErr
	}
	if script.Name != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", script.Name)
	}
	printTranscript(cmd.OutOrStdout(), res.Transcript, !replayNoColor)

	if replayImage != "" && res.Image != nil {
		if err := os.WriteFile(replayImage, res.Image, 0o644); err != nil {
			return fmt.Errorf("failed to write image: %w", err)
		}
	}
	return runErr
}

func printTranscript(w io.Writer, lines []string, colors bool) {
	step := color.New(color.Bold)
	rsp := color.New(color.FgCyan)
	ntf := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	for _, c := range []*color.Color{step, rsp, ntf, bad} {
		if colors {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	for _, line := range lines {
		c := lineColor(line, step, rsp, ntf, bad)
		if c == nil {
			fmt.Fprintln(w, line)
			continue
		}
		c.Fprintln(w, line)
	}
}

func lineColor(line string, step, rsp, ntf, bad *color.Color) *color.Color {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "expect FAILED"),
		strings.HasPrefix(trimmed, "att rsp") && !strings.HasSuffix(trimmed, "status=ok"),
		strings.Contains(trimmed, " error_ind "):
		return bad
	case strings.HasPrefix(trimmed, "att rsp"):
		return rsp
	case strings.HasPrefix(trimmed, "att ntf"), trimmed == "expect ok":
		return ntf
	case !strings.HasPrefix(line, " "):
		return step
	default:
		return nil
	}
}
