package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pipeline-runtime/internal/report"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Render the performance report for a stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		if run.Result == nil {
			return eris.Errorf("run %s has no recorded result", run.ID)
		}

		rep := report.Build(run.Result, cfg.SLO, nil, time.Now())

		if reportJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		fmt.Println(report.Format(rep))
		return nil
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "emit the report as JSON")
	rootCmd.AddCommand(reportCmd)
}
