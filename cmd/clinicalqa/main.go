// Command clinicalqa prepares clinical question answering datasets, builds model training
// features from them, and evaluates models served behind a question answering endpoint.
//
// Typical pipeline:
//
//	clinicalqa ingest --in generated.jsonl --out data/raw/qa.jsonl
//	clinicalqa repair --in data/raw/qa.jsonl --out data/processed/qa_cleaned.jsonl
//	clinicalqa split --in data/processed/qa_cleaned.jsonl --train train.jsonl --val val.jsonl
//	clinicalqa features --in train.jsonl --out train_features.safetensors
//	clinicalqa evaluate --in val.jsonl --endpoint http://localhost:8080
//	clinicalqa review --predictions results/predictions.jsonl
//
// Environment variables, optionally loaded from a ".env" file:
//
//   - HF_TOKEN: HuggingFace token for gated or private models.
//   - Any variable referenced in the configuration file.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/clinical-nlp/clinicalqa/config"
	"github.com/clinical-nlp/clinicalqa/hub"
	"github.com/clinical-nlp/clinicalqa/tokenizers"
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Build information, set with:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	rootCmd := buildRootCmd()
	err := rootCmd.Execute()
	klog.Flush()
	if err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

// rootOptions are the flags shared by all commands.
type rootOptions struct {
	configPath string
	cacheDir   string
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "clinicalqa",
		Short:        "Clinical extractive question answering: datasets, features and evaluation",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to YAML configuration file; defaults are used if not set")
	rootCmd.PersistentFlags().StringVar(&opts.cacheDir, "cache-dir", "",
		"Directory where downloaded model files are cached (default $CLINICALQA_CACHE or the user cache directory)")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(
		buildRepairCmd(),
		buildSplitCmd(opts),
		buildMergeCmd(),
		buildIngestCmd(),
		buildSynthCmd(),
		buildFeaturesCmd(opts),
		buildInspectTokensCmd(opts),
		buildEvaluateCmd(opts),
		buildScoreCmd(),
		buildReviewCmd(opts),
		buildVersionCmd(),
	)
	return rootCmd
}

// loadConfig loads the configuration file, or returns the defaults if none was given.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if strings.TrimSpace(o.configPath) == "" {
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}

// newTokenizer loads the tokenizer of a HuggingFace model id or a local checkpoint directory.
func (o *rootOptions) newTokenizer(model string) (api.TokenizerWithSpans, error) {
	repo := hub.New(model).WithAuth(os.Getenv("HF_TOKEN")).WithCacheDir(o.cacheDir)
	return tokenizers.New(repo)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clinicalqa %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
