package main

import (
	"fmt"
	"os"

	"github.com/clinical-nlp/clinicalqa/dataset"
	"github.com/clinical-nlp/clinicalqa/evaluation"
	"github.com/clinical-nlp/clinicalqa/inference"
	"github.com/spf13/cobra"
)

func buildEvaluateCmd(opts *rootOptions) *cobra.Command {
	var (
		inPath, endpoint       string
		predsPath, metricsPath string
		simpleNormalize        bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Ask a question answering service every question of a dataset, and score its answers",
		Long: `Ask a question answering service every question of a dataset, and score its answers.

The service must accept POST /qa {"context", "question"} and answer {"answer"}. The first failed
request aborts the evaluation. Predictions are saved as JSON Lines, metrics (exact match and F1
as percentages) as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if endpoint == "" {
				endpoint = cfg.Evaluation.Endpoint
			}
			client, err := inference.NewHTTPClient(endpoint)
			if err != nil {
				return err
			}
			if token := os.Getenv("QA_SERVICE_TOKEN"); token != "" {
				client.WithAuth(token)
			}
			examples, err := dataset.ReadFile(inPath)
			if err != nil {
				return err
			}
			result, err := evaluation.Run(cmd.Context(), examples, client)
			if err != nil {
				return err
			}
			preds := result.Predictions
			if simpleNormalize {
				preds = evaluation.SimplifyPredictions(preds)
			}
			if err := evaluation.WritePredictions(predsPath, preds); err != nil {
				return err
			}
			if err := evaluation.WriteMetrics(metricsPath, result.Metrics); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), evaluation.RenderSummary("Evaluation Results", result.Metrics))
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "Evaluation dataset")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Question answering service URL (default evaluation.endpoint from config)")
	cmd.Flags().StringVar(&predsPath, "predictions", "results/predictions.jsonl", "Output predictions file")
	cmd.Flags().StringVar(&metricsPath, "metrics", "results/eval_results.json", "Output metrics file")
	cmd.Flags().BoolVar(&simpleNormalize, "simple-normalize", false,
		"Save lowercased, trimmed predictions and references (metrics are computed before)")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func buildScoreCmd() *cobra.Command {
	var (
		predsPath, metricsPath string
		bracketed              bool
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute the metrics of a predictions file",
		RunE: func(cmd *cobra.Command, args []string) error {
			preds, err := evaluation.ReadPredictions(predsPath)
			if err != nil {
				return err
			}
			title := "Evaluation Results"
			if bracketed {
				preds = evaluation.BracketedSubset(preds)
				title = "Bracketed Subset"
			}
			metrics := evaluation.ScorePredictions(preds)
			if metricsPath != "" {
				if err := evaluation.WriteMetrics(metricsPath, metrics); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), evaluation.RenderSummary(title, metrics))
			return nil
		},
	}
	cmd.Flags().StringVar(&predsPath, "predictions", "results/predictions.jsonl", "Predictions file")
	cmd.Flags().StringVar(&metricsPath, "metrics", "", "If set, save the metrics to this file")
	cmd.Flags().BoolVar(&bracketed, "bracketed", false, "Only score predictions whose reference has a [bracketed] brand name")
	return cmd
}

func buildReviewCmd(opts *rootOptions) *cobra.Command {
	var (
		predsPath string
		threshold float64
		topN      int
	)
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Show the worst predictions: not an exact match, or F1 below a threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("threshold") {
				threshold = cfg.Evaluation.F1Threshold
			}
			if !cmd.Flags().Changed("top") {
				topN = cfg.Evaluation.TopN
			}
			preds, err := evaluation.ReadPredictions(predsPath)
			if err != nil {
				return err
			}
			bad := evaluation.Review(preds, threshold)
			fmt.Fprint(cmd.OutOrStdout(), evaluation.RenderReview(bad, topN))
			return nil
		},
	}
	cmd.Flags().StringVar(&predsPath, "predictions", "results/predictions.jsonl", "Predictions file")
	cmd.Flags().Float64Var(&threshold, "threshold", evaluation.DefaultF1Threshold, "F1 below which a prediction is reported (default from config)")
	cmd.Flags().IntVar(&topN, "top", 10, "Number of predictions to show; 0 shows all (default from config)")
	return cmd
}
