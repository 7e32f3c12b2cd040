package cmd

import (
	"fmt"

	"github.com/example/appt-scheduler/internal/classify"
	"github.com/spf13/cobra"
)

func newClassifyCmd() *cobra.Command {
	var (
		flags    classify.Flags
		location string
	)

	c := &cobra.Command{
		Use:   "classify",
		Short: "Recommend a service from questionnaire answers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rec := classify.Classify(flags, location)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s) confidence=%.2f\n", rec.Name, rec.Tag, rec.Confidence)
			fmt.Fprintln(out, rec.Rationale)
			for _, tip := range rec.Tips {
				fmt.Fprintf(out, "  - %s\n", tip)
			}
		},
	}
	addFlagSet(c, &flags)
	c.Flags().StringVar(&location, "location", "", "preferred office")
	return c
}
