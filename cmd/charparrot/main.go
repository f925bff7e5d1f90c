// Command charparrot trains a character-level recurrent model on a text file
// and samples new text from it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"charparrot/internal/config"
	"charparrot/internal/parrot"
	"charparrot/internal/train"
)

// options are the flags that are not part of config.Config.
type options struct {
	configPath  string
	corpus      string
	quiet       bool
	load        string
	metrics     string
	reportEvery int

	seedText    string
	length      int
	context     int
	temperature float64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		opts options
		cfg  = config.Defaults()
	)
	root := &cobra.Command{
		Use:          "charparrot",
		Short:        "Character-level LSTM/GRU text model",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "JSON config file; explicit flags override it")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress banners and summaries")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.Checkpoint, "checkpoint", cfg.Checkpoint, "Checkpoint file to save to or load from")
	root.PersistentFlags().BoolVar(&cfg.CaseSensitive, "case-sensitive", cfg.CaseSensitive, "Keep letter case of corpus and seed")
	root.PersistentFlags().Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed for initialisation and sampling")

	root.AddCommand(newTrainCmd(&cfg, &opts), newGenerateCmd(&cfg, &opts))
	return root
}

func newTrainCmd(cfg *config.Config, opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on a corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eff, err := effectiveConfig(cmd, *cfg, opts.configPath)
			if err != nil {
				return err
			}
			return runTrain(cmd, eff, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.corpus, "corpus", "", "UTF-8 text file to train on")
	f.StringVar(&cfg.Model, "model", cfg.Model, "Recurrent cell: lstm or gru")
	f.IntVar(&cfg.TimeSteps, "time-steps", cfg.TimeSteps, "Characters per training window")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Parallel lanes per window")
	f.IntVar(&cfg.HiddenSize, "hidden-size", cfg.HiddenSize, "Units per recurrent layer")
	f.IntVar(&cfg.Layers, "layers", cfg.Layers, "Stacked recurrent layers")
	f.Float64Var(&cfg.Dropout, "dropout", cfg.Dropout, "Dropout probability")
	f.Float64Var(&cfg.LearningRate, "learning-rate", cfg.LearningRate, "RMSProp learning rate")
	f.BoolVar(&cfg.ZeroHidden, "zero-hidden", cfg.ZeroHidden, "Reset hidden state before every window")
	f.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Passes over the corpus")
	f.StringVar(&opts.load, "resume", "", "Checkpoint to load before training")
	f.StringVar(&opts.metrics, "metrics", "", "Write per-epoch loss and perplexity to this JSON file")
	f.IntVar(&opts.reportEvery, "report-every", 50, "Log running loss every N windows (debug level)")
	_ = cmd.MarkFlagRequired("corpus")
	return cmd
}

func newGenerateCmd(cfg *config.Config, opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample text from a trained checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eff, err := effectiveConfig(cmd, *cfg, opts.configPath)
			if err != nil {
				return err
			}
			return runGenerate(cmd, eff, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.corpus, "corpus", "", "Rebuild the vocabulary from this corpus instead of the checkpoint")
	f.StringVar(&opts.seedText, "prime", "the ", "Seed text the sample starts with")
	f.IntVar(&opts.length, "length", 200, "Characters to generate")
	f.IntVar(&opts.context, "context", 50, "Trailing characters fed to the model per step")
	f.Float64Var(&opts.temperature, "temperature", 1, "Sampling temperature (> 0)")
	return cmd
}

// configFlags maps flag names to the config field they set.
var configFlags = map[string]func(dst *config.Config, src config.Config){
	"log-level":      func(d *config.Config, s config.Config) { d.LogLevel = s.LogLevel },
	"checkpoint":     func(d *config.Config, s config.Config) { d.Checkpoint = s.Checkpoint },
	"case-sensitive": func(d *config.Config, s config.Config) { d.CaseSensitive = s.CaseSensitive },
	"seed":           func(d *config.Config, s config.Config) { d.Seed = s.Seed },
	"model":          func(d *config.Config, s config.Config) { d.Model = s.Model },
	"time-steps":     func(d *config.Config, s config.Config) { d.TimeSteps = s.TimeSteps },
	"batch-size":     func(d *config.Config, s config.Config) { d.BatchSize = s.BatchSize },
	"hidden-size":    func(d *config.Config, s config.Config) { d.HiddenSize = s.HiddenSize },
	"layers":         func(d *config.Config, s config.Config) { d.Layers = s.Layers },
	"dropout":        func(d *config.Config, s config.Config) { d.Dropout = s.Dropout },
	"learning-rate":  func(d *config.Config, s config.Config) { d.LearningRate = s.LearningRate },
	"zero-hidden":    func(d *config.Config, s config.Config) { d.ZeroHidden = s.ZeroHidden },
	"epochs":         func(d *config.Config, s config.Config) { d.Epochs = s.Epochs },
}

// effectiveConfig layers explicitly set flags over the config file, or over
// the flag defaults when there is no file.
func effectiveConfig(cmd *cobra.Command, flags config.Config, path string) (config.Config, error) {
	if path == "" {
		return flags, flags.Validate()
	}
	cfg, err := config.LoadJSON(path, nil)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	for name, set := range configFlags {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			set(&cfg, flags)
		}
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func runTrain(cmd *cobra.Command, cfg config.Config, opts *options) error {
	log := newLogger(cfg)
	out := cmd.OutOrStdout()
	st := defaultStyles()

	raw, err := os.ReadFile(opts.corpus)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	p, err := parrot.New(cfg, string(raw), log)
	if err != nil {
		return err
	}
	defer p.Close()
	if opts.load != "" {
		if err := p.Load(opts.load); err != nil {
			return err
		}
	}
	if !opts.quiet {
		fmt.Fprintln(out, st.banner(cfg, p.Vocabulary().Size(), len([]rune(string(raw)))))
	}

	res, err := p.Train(cmd.Context(), cfg.Epochs, train.LogReporter{Log: log, Every: opts.reportEvery})
	if errors.Is(err, context.Canceled) && cfg.Checkpoint != "" {
		log.Warn("interrupted, saving progress")
		if serr := p.Save(cfg.Checkpoint); serr != nil {
			return errors.Join(err, serr)
		}
		if !opts.quiet {
			fmt.Fprintln(out, st.interrupted(cfg.Checkpoint))
		}
	}
	if err != nil {
		return err
	}
	if opts.metrics != "" {
		if err := train.SaveMetricsJSON(opts.metrics, res.Metrics()); err != nil {
			return fmt.Errorf("save metrics: %w", err)
		}
	}
	if !opts.quiet {
		fmt.Fprintln(out, st.summary(res, cfg.Checkpoint))
	}
	return nil
}

func runGenerate(cmd *cobra.Command, cfg config.Config, opts *options) error {
	log := newLogger(cfg)
	out := cmd.OutOrStdout()
	if cfg.Checkpoint == "" {
		return errors.New("--checkpoint is required to generate")
	}

	var (
		p   *parrot.Parrot
		err error
	)
	if opts.corpus != "" {
		raw, rerr := os.ReadFile(opts.corpus)
		if rerr != nil {
			return fmt.Errorf("read corpus: %w", rerr)
		}
		if p, err = parrot.New(cfg, string(raw), log); err != nil {
			return err
		}
		if err = p.Load(cfg.Checkpoint); err != nil {
			p.Close()
			return err
		}
	} else if p, err = parrot.Open(cfg, cfg.Checkpoint, log); err != nil {
		return err
	}
	defer p.Close()

	if !opts.quiet {
		fmt.Fprintln(out, defaultStyles().heading("Generated text (including seed)"))
	}
	if _, err := p.Generate(opts.seedText, opts.length, opts.context, opts.temperature, out); err != nil {
		fmt.Fprintln(out)
		return err
	}
	_, err = io.WriteString(out, "\n")
	return err
}
