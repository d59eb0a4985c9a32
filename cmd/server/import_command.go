package main

import (
	"fmt"

	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/JonMunkholm/serialcheck/internal/dataset"
	"github.com/spf13/cobra"
)

func newImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <workbook.xlsx>",
		Short: "Replace the reference dataset with a workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := dataset.LoadFile(args[0])
			if err != nil {
				return err
			}

			service, closeStore, err := openService(cmd.Context(), ctx.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			result, err := service.ImportFile(cmd.Context(), args[0], ds)
			printImportResult(cmd, result)
			if err != nil {
				return fmt.Errorf("import not committed: %s", core.FormatUserError(err))
			}
			return nil
		},
	}
}

func printImportResult(cmd *cobra.Command, result *core.ImportResult) {
	if result == nil {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "import %s: ranges=%d blacklist=%d row_errors=%d committed=%t\n",
		result.ImportID, result.RangeCount, result.BlacklistCount, result.TotalErrors, result.Committed)
	for _, re := range result.Errors {
		fmt.Fprintf(out, "  %s\n", re.Error())
	}
	if result.ErrorsTruncated {
		fmt.Fprintf(out, "  ... %d more\n", result.TotalErrors-len(result.Errors))
	}
}
