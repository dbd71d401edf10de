package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oarkflow/vitalsguard"
)

var anomaliesFlags struct {
	reason  string
	patient string
	since   time.Duration
	limit   int
}

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "List rejected requests from the anomaly store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := vitalsguard.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		if cfg.Storage.Driver == "" {
			return errors.New("no storage driver configured")
		}
		ctx := context.Background()
		store, err := vitalsguard.OpenSQLStore(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer store.Close()

		filter := vitalsguard.AnomalyFilter{PatientID: anomaliesFlags.patient, Limit: anomaliesFlags.limit}
		if anomaliesFlags.reason != "" {
			if filter.Reason, err = vitalsguard.ParseReason(anomaliesFlags.reason); err != nil {
				return err
			}
		}
		if anomaliesFlags.since > 0 {
			filter.Since = time.Now().Add(-anomaliesFlags.since)
		}
		records, err := store.ListAnomalies(ctx, filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tREASON\tSTAGE\tSOURCE\tPATIENT\tDETAIL")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Time.Format(time.RFC3339), r.Reason, r.Stage, r.Source, r.PatientID, r.Detail)
		}
		return w.Flush()
	},
}

func init() {
	f := anomaliesCmd.Flags()
	f.StringVar(&anomaliesFlags.reason, "reason", "", "Only show this reject reason")
	f.StringVar(&anomaliesFlags.patient, "patient", "", "Only show this patient")
	f.DurationVar(&anomaliesFlags.since, "since", 24*time.Hour, "Look back this far (0 for everything)")
	f.IntVar(&anomaliesFlags.limit, "limit", 50, "Maximum rows")
}
