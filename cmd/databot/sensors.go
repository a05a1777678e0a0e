package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/databot-io/databot-go/protocol"
)

// sensorsCmd represents the sensors command
var sensorsCmd = &cobra.Command{
	Use:   "sensors",
	Short: "List the sensors a pod can report",
	Long: `List every sensor key the pod understands and the record fields it
produces. Keys are accepted by the stream command's --sensors flag and by
the YAML configuration file.`,
	RunE: runSensors,
}

func runSensors(cmd *cobra.Command, args []string) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SENSOR\tFIELDS")
	fmt.Fprintln(tw, strings.Repeat("-", 48))
	for _, key := range protocol.SensorKeys() {
		fmt.Fprintf(tw, "%s\t%s\n", key, strings.Join(protocol.FieldsOf(key), ", "))
	}
	return tw.Flush()
}
