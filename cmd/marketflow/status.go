package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketflow/marketflow/internal/service"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status, events and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			// Status only reads, so no queue is needed.
			v, err := service.New(store, nil).Status(cmd.Context(), args[0])
			if errors.Is(err, service.ErrNotFound) {
				return fmt.Errorf("job %s does not exist", args[0])
			}
			if err != nil {
				return err
			}

			if asJSON || !isTerminal(cmd.OutOrStdout()) {
				return writeJSON(cmd, v)
			}
			return printStatus(cmd, v)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Always print JSON")
	return cmd
}

func printStatus(cmd *cobra.Command, v *service.StatusView) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:    %s\nStatus: %s\n\n", v.JobID, v.Status)

	rows := make([][]string, 0, len(v.Events))
	for _, e := range v.Events {
		rows = append(rows, []string{e.Timestamp.Local().Format(time.DateTime), e.Data})
	}
	fmt.Fprintln(out, renderTable([]string{"Time", "Event"}, rows))

	switch r := v.Result.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(r) == "" {
			return nil
		}
		fmt.Fprintf(out, "\nResult:\n%s\n", strings.TrimSpace(r))
		return nil
	default:
		fmt.Fprintln(out, "\nResult:")
		return writeJSON(cmd, r)
	}
}
