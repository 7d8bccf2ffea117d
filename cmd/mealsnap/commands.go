package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tendant/meal-snap/pkg/mealupload"
	"github.com/tendant/meal-snap/pkg/mealupload/config"
	"github.com/tendant/meal-snap/pkg/mealupload/metrics"
)

// lowQuotaThreshold is the remaining count at which a warning is shown.
const lowQuotaThreshold = 2

// NewAnalyzeCommand creates the analyze command
func NewAnalyzeCommand(flags *globalFlags) *cobra.Command {
	var fallback bool
	var asJSON bool
	var metricsFile string

	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Upload a meal photo and analyze it",
		Long: `Validate, compress and upload a meal photo, then run the analysis.

JPEG, PNG and HEIC photos up to 10 MiB are accepted. Large photos are
resized and re-encoded before upload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []config.Option
			if cmd.Flags().Changed("fallback") {
				extra = append(extra, config.WithCompressionFallback(fallback))
			}
			cfg, logger, err := flags.load(cmd, extra...)
			if err != nil {
				return err
			}

			cand, err := mealupload.CandidateFromFile(args[0])
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			comps, err := cfg.Build(logger, mealupload.WithHooks(m.Hooks()))
			if err != nil {
				return err
			}
			defer comps.Close()
			unsubscribe := comps.Reconciler.Subscribe(m.ObserveQuota)
			defer unsubscribe()

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintf(out, "Analyzing %s (%s, %s)\n", cand.FileName, cand.MimeType, humanize.IBytes(uint64(cand.Size)))
				comps.Pipeline.Subscribe(func(_ context.Context, t mealupload.Transition) {
					if t.To != mealupload.StateIdle {
						fmt.Fprintf(out, "  %s\n", t.To)
					}
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, runErr := comps.Pipeline.Run(ctx, cand)
			// Let the quota snapshot settle before reporting it.
			comps.Reconciler.Wait()

			if metricsFile != "" {
				if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
					logger.Warn("failed to write metrics", "path", metricsFile, "err", err)
				}
			}

			if runErr != nil {
				var latest *mealupload.QuotaSnapshot
				if snap, ok := comps.Reconciler.Snapshot(ctx); ok {
					latest = &snap
				}
				printRunError(cmd.ErrOrStderr(), comps.Pipeline.Status(), runErr, latest)
				return runErr
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printResult(out, result)
			if snap, ok := comps.Reconciler.Snapshot(ctx); ok {
				printQuota(out, snap)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fallback, "fallback", false, "upload the original photo if compression fails")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the analysis as JSON")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write run metrics in Prometheus text format to this file")

	return cmd
}

// NewQuotaCommand creates the quota command
func NewQuotaCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show the remaining analyses for this week",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(cmd)
			if err != nil {
				return err
			}
			comps, err := cfg.Build(logger)
			if err != nil {
				return err
			}
			defer comps.Close()

			snap, err := comps.Reconciler.Refresh(cmd.Context())
			if err != nil {
				var pe *mealupload.Error
				if errors.As(err, &pe) {
					fmt.Fprintln(cmd.ErrOrStderr(), pe.Message)
				}
				return err
			}
			printQuota(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	return cmd
}

func printResult(w io.Writer, r *mealupload.AnalysisResult) {
	fmt.Fprintf(w, "\nMeal %s (confidence: %s)\n\n", r.MealAnalysisID, r.Confidence)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FOOD\tPORTION\tPROTEIN\tCARBS\tFAT\tKCAL")
	for _, f := range r.Foods {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.Name, f.Portion, grams(&f.Protein), grams(f.Carbs), grams(f.Fat), kcal(f.Calories))
	}
	fmt.Fprintf(tw, "TOTAL\t\t%s\t%s\t%s\t%s\n",
		grams(&r.TotalProtein), grams(r.TotalCarbs), grams(r.TotalFat), kcal(r.TotalCalories))
	tw.Flush()

	if r.Notes != "" {
		fmt.Fprintf(w, "\n%s\n", r.Notes)
	}
}

func printQuota(w io.Writer, q mealupload.QuotaSnapshot) {
	if q.Unlimited() {
		fmt.Fprintf(w, "\nPlan %s: unlimited analyses (%d used)\n", q.Plan, q.Used)
		return
	}
	fmt.Fprintf(w, "\nPlan %s: %d of %d analyses left", q.Plan, q.Remaining, q.Limit)
	if q.WindowDays > 0 {
		fmt.Fprintf(w, " in the last %d days", q.WindowDays)
	}
	fmt.Fprintln(w)
	switch {
	case q.Exhausted():
		fmt.Fprintln(w, "You're out of analyses. Upgrade to Pro for unlimited analyses.")
	case q.Low(lowQuotaThreshold):
		fmt.Fprintf(w, "Only %d %s left.\n", q.Remaining, pluralize(q.Remaining, "analysis", "analyses"))
	}
}

// printRunError reports a failed run. latest is the most recent stored quota
// snapshot, used when the quota error carried none.
func printRunError(w io.Writer, st mealupload.Status, err error, latest *mealupload.QuotaSnapshot) {
	msg := st.ErrorMessage
	if msg == "" {
		msg = err.Error()
	}
	fmt.Fprintf(w, "Error (%s): %s\n", st.Category, msg)

	var pe *mealupload.Error
	if errors.As(err, &pe) && pe.RequestID != "" {
		fmt.Fprintf(w, "Request ID: %s\n", pe.RequestID)
	}
	if st.QuotaExceeded {
		switch {
		case st.Quota != nil:
			printQuota(w, *st.Quota)
		case latest != nil:
			printQuota(w, *latest)
		default:
			fmt.Fprintln(w, "Upgrade to Pro for unlimited analyses.")
		}
	} else if st.Category.Retryable() {
		fmt.Fprintln(w, "Please try again.")
	}
}

func grams(v *float64) string {
	if v == nil {
		return "-"
	}
	return humanize.FtoaWithDigits(*v, 1) + " g"
}

func kcal(v *float64) string {
	if v == nil {
		return "-"
	}
	return humanize.FtoaWithDigits(*v, 0)
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
