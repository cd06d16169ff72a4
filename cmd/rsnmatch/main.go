package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"rsnmatch/internal/models"
	"rsnmatch/pkg/config"
	"rsnmatch/pkg/interpolation"
	"rsnmatch/pkg/matching"
	"rsnmatch/pkg/nifti"
	"rsnmatch/pkg/visualization"
)

// options holds the command line flags. set records which flags were given
// explicitly, so only those override the config file.
type options struct {
	configPath  string
	minCorr     float64
	topK        int
	workers     int
	reportFile  string
	heatmapFile string
	slicesDir   string
	verbose     bool
	writeConfig string

	set map[string]bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{}
	fs.StringVar(&o.configPath, "config", "rsnmatch.yaml", "YAML file listing inputs, templates and settings")
	fs.Float64Var(&o.minCorr, "min-corr", 0.3, "Minimum correlation for automatic assignment (overrides config)")
	fs.IntVar(&o.topK, "top-k", 3, "Number of ranked templates shown per component (overrides config)")
	fs.IntVar(&o.workers, "workers", 1, "Number of goroutines for the correlation sweep (overrides config)")
	fs.StringVar(&o.reportFile, "report", "", "Write the YAML result report to this file (overrides config)")
	fs.StringVar(&o.heatmapFile, "heatmap", "", "Write the correlation heatmap to this file (overrides config)")
	fs.StringVar(&o.slicesDir, "slices-dir", "", "Save orthogonal slices through each assigned pair's overlap peak (overrides config)")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")
	fs.StringVar(&o.writeConfig, "write-config", "", "Write a default configuration file to this path and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}

	if opts.writeConfig != "" {
		if err := config.CreateDefaultConfigFile(opts.writeConfig); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", opts.writeConfig)
		return
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if len(cfg.Inputs) == 0 {
		log.Fatalf("No inputs listed in %s", opts.configPath)
	}

	log.SetLevel(log.InfoLevel)
	if cfg.Output.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	fmt.Println("================================")
	fmt.Println("ICA COMPONENT TO RESTING-STATE NETWORK MATCHING")
	fmt.Println("================================")

	params, err := cfg.Params()
	if err != nil {
		log.Fatalf("Invalid preparation settings: %v", err)
	}
	ignore, err := cfg.IgnorePatterns()
	if err != nil {
		log.Fatalf("Invalid ignore patterns: %v", err)
	}

	inputs, err := cfg.LoadInputs()
	if err != nil {
		log.Fatalf("Failed to load inputs: %v", err)
	}
	templates, err := cfg.LoadTemplates()
	if err != nil {
		log.Fatalf("Failed to load templates: %v", err)
	}
	fmt.Printf("Loaded %d components and %d templates\n", len(inputs), len(templates))

	engine, err := matching.NewEngine(inputs, templates, params)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	engine.SetProgressCallback(func(completed, total int, message string) {
		if message != "" {
			fmt.Println(message)
			return
		}
		fmt.Printf("\rCorrelating components: %d/%d", completed, total)
		if completed == total {
			fmt.Println()
		}
	})

	startTime := time.Now()
	if err := engine.Run(); err != nil {
		log.Fatalf("Matching failed: %v", err)
	}
	fmt.Printf("\nMatching completed in %.2f seconds (run %s)\n\n", time.Since(startTime).Seconds(), engine.RunID())

	printSummary(engine, ignore, params.NullLabel)

	if cfg.Output.ReportFile != "" {
		result, err := engine.Result(ignore)
		if err != nil {
			log.Fatalf("Failed to build report: %v", err)
		}
		if err := matching.SaveResult(result, cfg.Output.ReportFile); err != nil {
			log.Fatalf("Failed to write report: %v", err)
		}
		fmt.Printf("\nReport saved to: %s\n", cfg.Output.ReportFile)
	}

	if cfg.Output.HeatmapFile != "" {
		if err := visualization.SaveHeatmap(engine.Table(), cfg.Output.HeatmapFile); err != nil {
			log.Errorf("Failed to write heatmap: %v", err)
		} else {
			fmt.Printf("Heatmap saved to: %s\n", cfg.Output.HeatmapFile)
		}
	}

	if cfg.Output.SlicesDir != "" {
		fmt.Printf("Saving overlap slices to: %s\n", cfg.Output.SlicesDir)
		if err := exportSlices(engine, inputs, templates, params, cfg.Output.SlicesDir); err != nil {
			log.Errorf("Failed to save slices: %v", err)
		}
	}
}

// apply copies explicitly given flags over the file configuration.
func (o *options) apply(cfg *config.Config) {
	if o.set["min-corr"] {
		cfg.Matching.MinimumCorrelation = o.minCorr
	}
	if o.set["top-k"] {
		cfg.Matching.TopK = o.topK
	}
	if o.set["workers"] {
		cfg.Matching.Workers = o.workers
	}
	if o.set["report"] {
		cfg.Output.ReportFile = o.reportFile
	}
	if o.set["heatmap"] {
		cfg.Output.HeatmapFile = o.heatmapFile
	}
	if o.set["slices-dir"] {
		cfg.Output.SlicesDir = o.slicesDir
	}
	if o.set["verbose"] {
		cfg.Output.Verbose = o.verbose
	}
}

func printSummary(engine *matching.Engine, ignore []*regexp.Regexp, nullLabel string) {
	assignment := engine.Assignment()
	topK := engine.TopK()
	dups := engine.Duplicates(ignore)

	fmt.Println("Component matches:")
	fmt.Println("==================")
	for _, input := range engine.Table().Inputs() {
		ranked := make([]string, len(topK[input]))
		for i, m := range topK[input] {
			ranked[i] = m.String()
		}

		assigned := assignment[input]
		marker := ""
		if _, ok := dups[assigned]; ok {
			marker = " ***"
		}
		if assigned == nullLabel {
			fmt.Printf("%-16s -> (unassigned)   top: %s\n", input, strings.Join(ranked, ", "))
			continue
		}

		where := "n/a"
		if c, err := engine.MaxOverlap(input, assigned); err == nil {
			where = c.String()
		}
		fmt.Printf("%-16s -> %s%s at %s   top: %s\n", input, assigned, marker, where, strings.Join(ranked, ", "))
	}

	if len(dups) > 0 {
		fmt.Println("\n*** Templates assigned to more than one component:")
		names := make([]string, 0, len(dups))
		for tmpl := range dups {
			names = append(names, tmpl)
		}
		sort.Strings(names)
		for _, tmpl := range names {
			fmt.Printf("- %s: %s\n", tmpl, strings.Join(dups[tmpl], ", "))
		}
	}
}

// exportSlices writes, for every assigned pair, the template mask on the
// component grid and the three orthogonal slices through the overlap peak.
func exportSlices(engine *matching.Engine, inputs, templates []matching.LabeledVolume, params matching.Params, outputDir string) error {
	tmplByLabel := make(map[string]matching.LabeledVolume, len(templates))
	for _, t := range templates {
		tmplByLabel[t.Label] = t
	}
	resampler := interpolation.NewResampler(params.Preparation.Template.Interpolation)

	assignment := engine.Assignment()
	for _, in := range inputs {
		assigned := assignment[in.Label]
		if assigned == params.NullLabel {
			continue
		}
		coord, err := engine.MaxOverlap(in.Label, assigned)
		if err != nil {
			return err
		}

		prefix := sanitize(in.Label) + "_" + sanitize(assigned)
		viewer := visualization.NewViewer(in.Volume)

		if tmpl := tmplByLabel[assigned]; tmpl.Volume != nil {
			mask, err := templateMask(resampler, tmpl.Volume, in.Volume, params.Preparation.Template.Threshold)
			if err != nil {
				return fmt.Errorf("resampling %s: %w", assigned, err)
			}
			if err := viewer.SetMask(mask); err != nil {
				return err
			}
			if err := nifti.Write(filepath.Join(outputDir, prefix+"_mask.nii.gz"), mask); err != nil {
				return err
			}
		}

		if _, err := viewer.SaveOrthogonal(coord.Voxel, outputDir, prefix); err != nil {
			return fmt.Errorf("saving slices for %s: %w", in.Label, err)
		}
	}
	return nil
}

// templateMask resamples a template onto the component grid and binarizes it
// at threshold. A zero threshold leaves the values as resampled, as in
// matching.Prepare.
func templateMask(resampler *interpolation.Resampler, tmpl, ref *models.Volume, threshold float64) (*models.Volume, error) {
	mask, err := resampler.Resample(tmpl, ref)
	if err != nil {
		return nil, err
	}
	if threshold != 0 {
		matching.Threshold(mask.Data, threshold, true)
	}
	return mask, nil
}

func sanitize(label string) string {
	return strings.NewReplacer(",", "_", "/", "_", " ", "_").Replace(label)
}
