package main

import (
	"fmt"

	"github.com/clinical-nlp/clinicalqa/dataset"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Dataset files are JSON Lines, or Parquet when their name ends in ".parquet".

func buildRepairCmd() *cobra.Command {
	var inPath, outPath string
	cmd := &cobra.Command{
		Use:     "repair",
		Short:   "Fix answer offsets that don't point at the answer, dropping examples whose answer is not in the context",
		Example: `  clinicalqa repair --in data/processed/synthea_qa.jsonl --out data/processed/synthea_qa_cleaned.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			examples, err := dataset.ReadFile(inPath)
			if err != nil {
				return err
			}
			repaired, report := dataset.RepairAll(examples)
			if err := dataset.WriteFile(outPath, repaired); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fixed %d entries. Skipped %d. Saved %d to %s\n",
				report.Fixed, report.Dropped, len(repaired), outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "Input dataset")
	cmd.Flags().StringVar(&outPath, "out", "", "Output dataset")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func buildSplitCmd(opts *rootOptions) *cobra.Command {
	var (
		inPath, trainPath, valPath string
		fraction                   float64
		seed                       int64
	)
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Shuffle a dataset and split it into training and validation sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("fraction") {
				fraction = cfg.Split.TrainFraction
			}
			if !cmd.Flags().Changed("seed") {
				seed = cfg.Split.Seed
			}
			examples, err := dataset.ReadFile(inPath)
			if err != nil {
				return err
			}
			train, val, err := dataset.Split(examples, fraction, seed)
			if err != nil {
				return err
			}
			if err := dataset.WriteFile(trainPath, train); err != nil {
				return err
			}
			if err := dataset.WriteFile(valPath, val); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Train: %d examples in %s\nValidation: %d examples in %s\n",
				len(train), trainPath, len(val), valPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "Input dataset")
	cmd.Flags().StringVar(&trainPath, "train", "", "Output training dataset")
	cmd.Flags().StringVar(&valPath, "val", "", "Output validation dataset")
	cmd.Flags().Float64Var(&fraction, "fraction", 0.9, "Fraction of the examples used for training (default from config)")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Shuffling seed (default from config)")
	for _, name := range []string{"in", "train", "val"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func buildMergeCmd() *cobra.Command {
	var (
		outPath   string
		assignIDs bool
		concat    bool
	)
	cmd := &cobra.Command{
		Use:   "merge <dataset>...",
		Short: "Merge datasets, keeping the first example of each (hadm_id, question)",
		Long: `Merge datasets, keeping the first example of each (hadm_id, question).

Examples without an hadm_id can't be told apart and are skipped, unless --concat is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collections := make([][]dataset.Example, 0, len(args))
			total := 0
			for _, path := range args {
				examples, err := dataset.ReadFile(path)
				if err != nil {
					return err
				}
				collections = append(collections, examples)
				total += len(examples)
			}
			var merged []dataset.Example
			skipped := 0
			if concat {
				for _, examples := range collections {
					merged = append(merged, examples...)
				}
			} else {
				for i, examples := range collections {
					var dropped int
					collections[i], dropped = dataset.DropMissingHadmID(examples)
					if dropped > 0 {
						klog.Warningf("%s: skipping %d examples without hadm_id", args[i], dropped)
					}
					skipped += dropped
				}
				merged = dataset.MergeUnique(collections, dataset.SourceKey)
			}
			if assignIDs {
				n := dataset.AssignIDs(merged)
				klog.V(1).Infof("assigned %d ids", n)
			}
			if err := dataset.WriteFile(outPath, merged); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Merged %d examples from %d files into %d examples in %s\n",
				total, len(args), len(merged), outPath)
			if skipped > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Skipped %d examples without hadm_id (use --concat to keep them)\n", skipped)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Output dataset")
	cmd.Flags().BoolVar(&assignIDs, "assign-ids", false, "Give examples without an id a random UUID")
	cmd.Flags().BoolVar(&concat, "concat", false, "Concatenate the datasets without removing duplicates")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func buildIngestCmd() *cobra.Command {
	var (
		inPath, outPath string
		repair          bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Convert generator responses into examples",
		Long: `Convert generator responses into examples.

The input has one JSON object per line, with a note ("subject_id", "hadm_id", "text") and the
generator "response" for it: a JSON list of {"question", "answer_text", "answer_start"} objects,
optionally within a markdown code fence. Responses and items that can't be parsed are logged and
skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			generated, err := dataset.ReadGeneratedFile(inPath)
			if err != nil {
				return err
			}
			examples, report := dataset.IngestGenerated(generated)
			if repair {
				var repairReport dataset.RepairReport
				examples, repairReport = dataset.RepairAll(examples)
				fmt.Fprintf(cmd.OutOrStdout(), "Fixed %d entries. Skipped %d.\n", repairReport.Fixed, repairReport.Dropped)
			}
			if err := dataset.WriteFile(outPath, examples); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Parsed %d responses (%d skipped, %d items skipped): saved %d examples to %s\n",
				report.Responses, report.SkippedResponses, report.SkippedItems, len(examples), outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "Generator responses, JSON Lines")
	cmd.Flags().StringVar(&outPath, "out", "", "Output dataset")
	cmd.Flags().BoolVar(&repair, "repair", true, "Repair answer offsets of the parsed examples")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func buildSynthCmd() *cobra.Command {
	var (
		outPath string
		n       int
		seed    int64
	)
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate synthetic medication prescription examples",
		RunE: func(cmd *cobra.Command, args []string) error {
			if n <= 0 {
				return errors.Errorf("-n must be positive, got %d", n)
			}
			examples := dataset.NewSynthesizer(seed).Examples(n)
			if err := dataset.WriteFile(outPath, examples); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d synthetic examples to %s\n", len(examples), outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Output dataset")
	cmd.Flags().IntVarP(&n, "num", "n", 1000, "Number of examples")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Random seed")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
