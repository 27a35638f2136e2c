package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/schaermu/buildlineage/internal/kconfig"
	"github.com/schaermu/buildlineage/internal/label"
)

var (
	diffSummary bool
	labelScheme string
)

var diffCmd = &cobra.Command{
	Use:   "diff <before> <after>",
	Short: "Compare two kernel configurations",
	Long: `Diff parses two configuration files and lists the options that were added (+),
removed (-) and changed (~) going from the first to the second.`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

var labelCmd = &cobra.Command{
	Use:   "label",
	Short: "Encode configuration paths and decode build branch names",
}

var labelEncodeCmd = &cobra.Command{
	Use:   "encode <path>...",
	Short: "Print the configuration identifier and clean build label of each path",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLabelEncode,
}

var labelDecodeCmd = &cobra.Command{
	Use:   "decode <label>...",
	Short: "Print the parent, configuration and kind of each build label",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLabelDecode,
}

func init() {
	diffCmd.Flags().BoolVar(&diffSummary, "summary", false, "print only the number of added, removed and changed options")

	labelCmd.PersistentFlags().StringVar(&labelScheme, "scheme", string(label.Strict), "label scheme (strict, legacy)")
	labelCmd.AddCommand(labelEncodeCmd)
	labelCmd.AddCommand(labelDecodeCmd)
}

func runDiff(cmd *cobra.Command, args []string) error {
	before, err := kconfig.ParseFile(args[0])
	if err != nil {
		return err
	}
	after, err := kconfig.ParseFile(args[1])
	if err != nil {
		return err
	}

	d := kconfig.Diff(before, after)
	out := cmd.OutOrStdout()
	if diffSummary {
		added, removed, changed := d.Counts()
		_, err := fmt.Fprintf(out, "added %d, removed %d, changed %d\n", added, removed, changed)
		return err
	}
	for _, line := range d.Lines() {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

func runLabelEncode(cmd *cobra.Command, args []string) error {
	codec, err := label.NewCodec(label.Scheme(labelScheme))
	if err != nil {
		return err
	}

	for _, arg := range args {
		path, err := filepath.Abs(arg)
		if err != nil {
			return err
		}
		id, err := codec.ConfigID(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, codec.CleanLabel(id))
	}
	return nil
}

func runLabelDecode(cmd *cobra.Command, args []string) error {
	codec, err := label.NewCodec(label.Scheme(labelScheme))
	if err != nil {
		return err
	}

	for _, arg := range args {
		l, err := codec.Decode(arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tparent=%s config=%s\n", l.Kind, codec.ParentConfigID(l), l.ConfigID)
	}
	return nil
}
