package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/clinical-nlp/clinicalqa/dataset"
	"github.com/clinical-nlp/clinicalqa/features"
	"github.com/clinical-nlp/clinicalqa/tokenizers/windowing"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func buildFeaturesCmd(opts *rootOptions) *cobra.Command {
	var (
		inPath, outPath, model string
		maxLength, docStride   int
		workers                int
	)
	cmd := &cobra.Command{
		Use:   "features",
		Short: "Tokenize a dataset into labeled training windows, saved as safetensors",
		Long: `Tokenize a dataset into labeled training windows, saved as safetensors.

Every example is split into windows of --max-length tokens ([CLS] question [SEP] context [SEP]),
consecutive windows sharing --doc-stride context tokens. Each window is labeled with the token
positions of the answer, or with the [CLS] position when the answer is not fully inside it.

Answer offsets are trusted: run "repair" on the dataset first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if model == "" {
				model = cfg.ModelName
			}
			if outPath == "" {
				outPath = cfg.DataPath
			}
			featCfg := cfg.Features()
			if cmd.Flags().Changed("max-length") {
				featCfg.MaxLength = maxLength
			}
			if cmd.Flags().Changed("doc-stride") {
				featCfg.DocStride = docStride
			}

			examples, err := dataset.ReadFile(inPath)
			if err != nil {
				return err
			}
			invalid := 0
			for i := range examples {
				if err := dataset.Validate(examples[i]); err != nil {
					invalid++
					klog.V(1).Infof("example #%d: %v", i, err)
				}
			}
			if invalid > 0 {
				klog.Warningf("%d of %d examples have answer offsets that don't match their answer text", invalid, len(examples))
			}

			tok, err := opts.newTokenizer(model)
			if err != nil {
				return err
			}
			enc, err := windowing.New(tok)
			if err != nil {
				return err
			}
			builder := features.NewBuilder(enc, featCfg)
			builder.Workers = workers
			feats, err := builder.Build(examples)
			if err != nil {
				return err
			}
			if err := features.Save(outPath, feats, features.Metadata{ModelName: model, Config: featCfg}); err != nil {
				return err
			}
			stats := features.Summarize(len(examples), feats)
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d windows from %d examples to %s (%d with the answer, %d without)\n",
				stats.Windows, stats.Examples, outPath, stats.Positive, stats.NoAnswer)
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "Input dataset")
	cmd.Flags().StringVar(&outPath, "out", "", "Output features file (default data_path from config)")
	cmd.Flags().StringVar(&model, "model", "", "HuggingFace model id or local checkpoint directory (default model_name from config)")
	cmd.Flags().IntVar(&maxLength, "max-length", 384, "Window length in tokens (default from config)")
	cmd.Flags().IntVar(&docStride, "doc-stride", 128, "Context tokens shared by consecutive windows (default from config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of parallel workers; 0 uses all CPUs")
	_ = cmd.MarkFlagRequired("in")
	cmd.AddCommand(buildFeaturesInspectCmd())
	return cmd
}

// tokenNamer is implemented by tokenizers that expose their vocabulary.
type tokenNamer interface {
	IDToToken(id int) (string, bool)
}

func buildFeaturesInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print the metadata and the tensor shapes of a features file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, all, err := features.LoadTensors(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: %d windows of %d tokens\n", args[0], batch.Size, batch.Length)
			fmt.Fprintf(w, "model: %s, max_length: %d, doc_stride: %d\n",
				batch.Metadata.ModelName, batch.Metadata.MaxLength, batch.Metadata.DocStride)
			for _, name := range slices.Sorted(maps.Keys(all)) {
				shape := all[name].Shape()
				fmt.Fprintf(w, "  %-16s %-8s %v\n", name, shape.DType, shape.Dimensions)
			}
			return nil
		},
	}
}

func buildInspectTokensCmd(opts *rootOptions) *cobra.Command {
	var (
		model     string
		showSpans bool
	)
	cmd := &cobra.Command{
		Use:     "inspect-tokens <text>...",
		Short:   "Print how the model's tokenizer splits a text",
		Example: `  clinicalqa inspect-tokens --model emilyalsentzer/Bio_ClinicalBERT "1 ML Epoetin Alfa 4000 UNT/ML Injection [Epogen]"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				model = cfg.ModelName
			}
			tok, err := opts.newTokenizer(model)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			encoding := tok.EncodeWithSpans(text)
			namer, hasNames := tok.(tokenNamer)
			out := cmd.OutOrStdout()
			names := make([]string, len(encoding.IDs))
			for i, id := range encoding.IDs {
				name, found := "", false
				if hasNames {
					name, found = namer.IDToToken(id)
				}
				if !found {
					name = tok.Decode([]int{id})
				}
				names[i] = name
				if showSpans {
					span := encoding.Spans[i]
					fmt.Fprintf(out, "%6d  %-20q %q\n", id, names[i], text[span.Start:span.End])
				}
			}
			if !showSpans {
				quoted := make([]string, len(names))
				for i, name := range names {
					quoted[i] = strconv.Quote(name)
				}
				fmt.Fprintf(out, "[%s]\n", strings.Join(quoted, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "HuggingFace model id or local checkpoint directory (default model_name from config)")
	cmd.Flags().BoolVar(&showSpans, "spans", false, "Print ids and the text covered by each token")
	return cmd
}
