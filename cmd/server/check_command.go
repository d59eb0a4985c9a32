package main

import (
	"fmt"

	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/spf13/cobra"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check <serial>",
		Short: "Check a serial against the loaded dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, closeStore, err := openService(cmd.Context(), ctx.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			verdict, err := service.CheckSerial(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("check failed: %s", core.FormatUserError(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", verdict.Text, verdict.Status)
			return nil
		},
	}
}
