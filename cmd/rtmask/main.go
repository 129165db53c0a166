package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"rtmask/pkg/config"
	"rtmask/pkg/conversion"
	"rtmask/pkg/export"
	"rtmask/pkg/index"
	"rtmask/pkg/visualization"
)

const usage = `usage: rtmask <command> [flags]

commands:
  scan      index a directory tree and list series, structure sets and regions
  mask      convert every series/structure set pair to labeled masks
  rtstruct  convert a labeled mask back to an RT structure set
  init      write a default configuration file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch os.Args[1] {
	case "scan":
		runScan(ctx, os.Args[2:])
	case "mask":
		runMask(ctx, os.Args[2:])
	case "rtstruct":
		runRTStruct(ctx, os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func banner(title string) {
	fmt.Println("================================")
	fmt.Println(title)
	fmt.Println("================================")
}

func loadConfig(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return cfg
}

func scan(ctx context.Context, cfg *config.Config, inputDir string) *index.Index {
	scanner := cfg.Scanner()
	if cfg.Output.Verbose {
		scanner.Progress = func(completed, total int, message string) {
			if completed == total || completed%100 == 0 {
				fmt.Printf("Scanned %d/%d files\n", completed, total)
			}
		}
	}
	ix, err := scanner.Scan(ctx, inputDir)
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}
	return ix
}

func runScan(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	inputDir := fs.String("input", "", "Directory tree containing DICOM files")
	configPath := fs.String("config", "rtmask.yaml", "Configuration file")
	region := fs.String("region", "", "List the structure sets containing this region")
	fs.Parse(args)

	if *inputDir == "" {
		fs.Usage()
		os.Exit(1)
	}
	cfg := loadConfig(*configPath)

	banner("DICOM SERIES INDEX")
	ix := scan(ctx, cfg, *inputDir)

	if *region != "" {
		refs := ix.WhereIsRegion(*region)
		fmt.Printf("\n%d structure sets contain %q:\n", len(refs), *region)
		for _, ref := range refs {
			fmt.Printf("- %s (frame %s)\n", ref.Path, ref.FrameOfReferenceUID)
		}
		return
	}

	fmt.Printf("\nImage series: %d\n", len(ix.SeriesUIDs()))
	for _, uid := range ix.SeriesUIDs() {
		s, _ := ix.Series(uid)
		fmt.Printf("- %s %s: %d slices (%s)\n", s.Modality, uid, len(s.Slices), s.Description)
	}

	fmt.Printf("\nStructure sets: %d\n", len(ix.StructureSets()))
	for _, c := range ix.Candidates() {
		for _, ref := range c.StructureSets {
			fmt.Printf("- %s -> series %s\n", ref.Path, c.Series.SeriesInstanceUID)
		}
	}

	fmt.Println("\nRegion names:")
	for _, rc := range ix.RegionNames() {
		fmt.Printf("- %s (%d)\n", rc.Name, rc.Count)
	}

	if skipped := ix.Skipped(); len(skipped) > 0 {
		fmt.Printf("\nSkipped files: %d\n", len(skipped))
		for _, w := range skipped {
			fmt.Printf("- %v\n", w)
		}
	}
}

func runMask(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("mask", flag.ExitOnError)
	inputDir := fs.String("input", "", "Directory tree containing DICOM files")
	configPath := fs.String("config", "rtmask.yaml", "Configuration file")
	outputDir := fs.String("output", "", "Output directory (overrides the configuration)")
	workers := fs.Int("workers", 0, "Number of pairs converted in parallel (overrides the configuration)")
	checkRoundTrip := fs.Bool("roundtrip", false, "Vectorize each mask again and report agreement")
	preview := fs.Bool("preview", false, "Save PNG overlays of the labeled slices next to each mask")
	fs.Parse(args)

	if *inputDir == "" {
		fs.Usage()
		os.Exit(1)
	}
	cfg := loadConfig(*configPath)
	if *outputDir != "" {
		cfg.Output.Directory = *outputDir
	}
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}
	reg, err := cfg.Registry()
	if err != nil {
		log.Fatalf("Invalid region request: %v", err)
	}

	banner("RT STRUCTURE SET TO LABELED MASK CONVERSION")
	startTime := time.Now()

	// Step 1: Index the input tree
	fmt.Println("Step 1: Indexing input directory...")
	ix := scan(ctx, cfg, *inputDir)
	pairs := conversion.Pairs(ix.CandidatesWithRegions(reg))
	fmt.Printf("Found %d series/structure set pairs providing %v\n", len(pairs), reg.WantedRegions())
	if len(pairs) == 0 {
		return
	}

	// Step 2: Convert the pairs
	fmt.Printf("Step 2: Converting with %d workers...\n", cfg.Processing.Workers)
	conv := conversion.NewConverter(&conversion.Params{
		Registry:  reg,
		Workers:   cfg.Processing.Workers,
		Assembler: cfg.Assembler(),
		Rasterize: cfg.RasterizeOptions(),
		OutputDir: cfg.Output.Directory,
		Verbose:   false,
		Progress: func(completed, total int, message string) {
			fmt.Printf("[%d/%d] %s\n", completed, total, message)
		},
	})
	outcomes, err := conv.ConvertAll(ctx, pairs)
	if err != nil {
		log.Fatalf("Conversion failed: %v", err)
	}

	if cfg.Output.Verbose {
		fmt.Println("\nConversion log:")
		for _, e := range conv.Log().Entries() {
			fmt.Println(e)
		}
	}

	// Step 3: Summarize
	counts := make(map[conversion.Status]int)
	fmt.Println("\nResults:")
	for _, o := range outcomes {
		counts[o.Status]++
		switch o.Status {
		case conversion.StatusError:
			fmt.Printf("- %s: %s: %v\n", filepath.Base(o.Pair.StructurePath), o.Stage, o.Err)
		default:
			fmt.Printf("- %s: %s -> %s\n", filepath.Base(o.Pair.StructurePath), o.Status, o.Result.MaskPath)
			for _, w := range o.Result.Warnings {
				fmt.Printf("    warning: %s\n", w)
			}
			for _, r := range o.Result.Rejected {
				fmt.Printf("    rejected: %v\n", r)
			}
			if *preview && o.Result.MaskPath != "" {
				savePreview(o.Result)
			}
			if *checkRoundTrip {
				agr, err := conversion.RoundTrip(o.Result.Grid, o.Result.Mask)
				if err != nil {
					log.Printf("Warning: round trip failed: %v", err)
					continue
				}
				fmt.Printf("    round trip: mean Dice %.4f (exact: %v)\n", agr.MeanDice, agr.Exact)
			}
		}
	}

	fmt.Printf("\nCompleted in %.2f seconds: %d succeeded, %d with warnings, %d failed\n",
		time.Since(startTime).Seconds(),
		counts[conversion.StatusSuccess], counts[conversion.StatusWarning], counts[conversion.StatusError])
}

func savePreview(res *conversion.MaskResult) {
	viewer, err := visualization.NewViewer(res.Grid, res.Mask)
	if err != nil {
		log.Printf("Warning: preview failed: %v", err)
		return
	}
	slices := viewer.LabeledSlices()
	if len(slices) == 0 {
		return
	}
	viewer.Scale = 2
	viewer.Legend = true
	stem := strings.TrimSuffix(filepath.Base(res.MaskPath), filepath.Ext(res.MaskPath))
	dir := filepath.Join(filepath.Dir(res.MaskPath), "preview_"+stem)
	if err := viewer.SaveSliceSequence("z", dir, slices...); err != nil {
		log.Printf("Warning: failed to save preview: %v", err)
		return
	}
	fmt.Printf("    preview: %s\n", dir)
}

func runRTStruct(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("rtstruct", flag.ExitOnError)
	inputDir := fs.String("input", "", "Directory tree containing the reference series")
	seriesUID := fs.String("series", "", "Series Instance UID of the reference series")
	maskPath := fs.String("mask", "", "Labeled mask in NRRD format")
	configPath := fs.String("config", "rtmask.yaml", "Configuration file")
	outputDir := fs.String("output", "", "Output directory (overrides the configuration)")
	fs.Parse(args)

	if *inputDir == "" || *seriesUID == "" || *maskPath == "" {
		fs.Usage()
		os.Exit(1)
	}
	cfg := loadConfig(*configPath)
	if *outputDir != "" {
		cfg.Output.Directory = *outputDir
	}

	banner("LABELED MASK TO RT STRUCTURE SET CONVERSION")

	// Step 1: Read the mask
	fmt.Printf("Step 1: Reading mask %s...\n", *maskPath)
	mask, err := export.ReadMaskFile(*maskPath)
	if err != nil {
		log.Fatalf("Failed to read mask: %v", err)
	}
	fmt.Printf("Mask %v with labels %v\n", mask.Shape(), mask.Labels())

	// Step 2: Find the reference series
	fmt.Println("Step 2: Indexing reference series...")
	ix := scan(ctx, cfg, *inputDir)
	series, ok := ix.Series(*seriesUID)
	if !ok {
		log.Fatalf("Series %s not found under %s", *seriesUID, *inputDir)
	}

	// Step 3: Trace and write
	fmt.Println("Step 3: Tracing contours...")
	conv := conversion.NewConverter(&conversion.Params{
		Workers:   cfg.Processing.Workers,
		Assembler: cfg.Assembler(),
		OutputDir: cfg.Output.Directory,
		Verbose:   cfg.Output.Verbose,
	})
	res, err := conv.ToStructure(ctx, series, mask, nil)
	if err != nil {
		log.Fatalf("Conversion failed: %v", err)
	}
	fmt.Printf("\nStructure set with %d regions and %d contours saved to: %s\n",
		len(res.StructureSet.Regions), res.StructureSet.ContourCount(), res.Path)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "rtmask.yaml", "Configuration file to create")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		log.Fatalf("%s already exists", *configPath)
	}
	if err := config.CreateDefaultConfigFile(*configPath); err != nil {
		log.Fatalf("Failed to create configuration: %v", err)
	}
	fmt.Printf("Default configuration written to: %s\n", *configPath)
}
