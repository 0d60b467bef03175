package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localagent/localagent/internal/timeline"
)

var auditFlags struct {
	runID string
	kind  string
	limit int
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit timeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadWorkdirConfig()
		if err != nil {
			return err
		}
		svc, err := timeline.Open(cfg.TimelinePath())
		if err != nil {
			return err
		}
		defer svc.Close()

		if auditFlags.runID == "" {
			runs, err := svc.Runs(auditFlags.limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no recorded runs")
				return nil
			}
			for _, id := range runs {
				fmt.Println(id)
			}
			return nil
		}

		entries, err := svc.Query(auditFlags.runID, auditFlags.kind, auditFlags.limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			payload, _ := json.Marshal(e.Payload)
			fmt.Printf("%6d  %s  %-14s  %s\n", e.Seq, e.TS.Format("15:04:05.000"), e.Kind, payload)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditFlags.runID, "run", "", "run id to inspect (omit to list runs)")
	auditCmd.Flags().StringVar(&auditFlags.kind, "kind", "", "filter by entry kind")
	auditCmd.Flags().IntVar(&auditFlags.limit, "limit", 0, "maximum rows")
}
