package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"spikenet/internal/model"
	"spikenet/internal/storage"
	"spikenet/pkg/spikenet"
)

var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}
	if err := loadEnvFile(); err != nil {
		return err
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "classify":
		return runSession(ctx, "classify", args[1:])
	case "train":
		return runSession(ctx, "train", args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "records":
		return runRecords(ctx, args[1:])
	case "report":
		return runReport(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type clientFlags struct {
	storeKind    *string
	dbPath       *string
	artifactsDir *string
	jsonOut      *bool
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		storeKind:    fs.String("store", envString("SPIKENET_STORE", storage.DefaultStoreKind()), "store backend: memory|sqlite"),
		dbPath:       fs.String("db-path", envString("SPIKENET_DB_PATH", "spikenet.db"), "sqlite database path"),
		artifactsDir: fs.String("artifacts", envString("SPIKENET_ARTIFACTS_DIR", "runs"), "run artifacts directory"),
		jsonOut:      fs.Bool("json", false, "emit JSON lines"),
	}
}

func (f clientFlags) client() (*spikenet.Client, error) {
	return spikenet.NewClient(spikenet.Options{
		StoreKind:    *f.storeKind,
		DBPath:       *f.dbPath,
		ArtifactsDir: *f.artifactsDir,
		ExportsDir:   envString("SPIKENET_EXPORTS_DIR", "exports"),
	})
}

func (f clientFlags) printer() printer {
	return newPrinter(stdout, *f.jsonOut)
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "initialized store=%s\n", *cf.storeKind)
	return nil
}

func runSession(ctx context.Context, name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cf := addClientFlags(fs)
	configPath := fs.String("config", envString("SPIKENET_CONFIG", ""), "JSON run config file")
	rosterPath := fs.String("roster", "", "fleet roster JSON file")
	samplesPath := fs.String("samples", "", "samples JSON file")
	lanes := fs.String("lanes", "", "lane list label=input[:readout],... (default: track, spot, noise on nodes in id order)")
	ingestAddr := fs.String("ingest", "", "ingest listen address")
	stepMS := fs.Int("step-ms", 0, "step interval in milliseconds")
	stimMS := fs.Int("stim-ms", 0, "stimulation duration in milliseconds")
	pauseMS := fs.Int("pause-ms", -1, "pause duration in milliseconds")
	minIter := fs.Int("min-iterations", 0, "minimum scoring iterations")
	maxIter := fs.Int("max-iterations", 0, "iteration ceiling")
	threshold := fs.Float64("threshold", 0, "confidence threshold")
	seed := fs.Int64("seed", 0, "encoder seed (0 seeds from the clock)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := spikenet.RunRequest{Config: spikenet.DefaultConfig()}
	if *configPath != "" {
		loaded, err := loadRunRequestFromConfig(*configPath)
		if err != nil {
			return err
		}
		req = loaded
	}
	if err := applyEnvConfig(&req.Config); err != nil {
		return err
	}

	if *rosterPath != "" {
		req.RosterPath = *rosterPath
	}
	if *samplesPath != "" {
		req.SamplesPath = *samplesPath
	}
	if *lanes != "" {
		parsed, err := parseLanes(*lanes)
		if err != nil {
			return err
		}
		req.Lanes = parsed
	}
	if *ingestAddr != "" {
		req.Config.IngestAddr = *ingestAddr
	}
	if *stepMS > 0 {
		req.Config.StepInterval = millis(*stepMS)
	}
	if *stimMS > 0 {
		req.Config.StimDuration = millis(*stimMS)
	}
	if *pauseMS >= 0 {
		req.Config.PauseDuration = millis(*pauseMS)
	}
	if *minIter > 0 {
		req.Config.MinIterations = *minIter
	}
	if *maxIter > 0 {
		req.Config.MaxIterations = *maxIter
	}
	if *threshold > 0 {
		req.Config.ConfidenceThreshold = *threshold
	}
	if *seed != 0 {
		req.Config.Seed = *seed
	}
	if req.RosterPath == "" {
		return errors.New(name + " requires --roster")
	}
	if req.SamplesPath == "" {
		return errors.New(name + " requires --samples")
	}

	client, err := cf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	// SIGHUP abandons the sample in flight and moves on to the next one.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			client.Interrupt()
		}
	}()

	var summary spikenet.RunSummary
	if name == "train" {
		summary, err = client.Train(ctx, req)
	} else {
		summary, err = client.Classify(ctx, req)
	}
	if summary.RunID != "" {
		cf.printer().runSummary(summary)
	}
	return err
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	cf := addClientFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := cf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, spikenet.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	cf.printer().runs(runs)
	return nil
}

func runRecords(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("records", flag.ContinueOnError)
	cf := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from run index")
	limit := fs.Int("limit", 0, "max records to show (0 shows all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	records, err := client.Records(ctx, spikenet.RecordsRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	cf.printer().records(records)
	return nil
}

func runReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	cf := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from run index")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	report, err := client.Report(ctx, spikenet.RecordsRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	cf.printer().report(report)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	cf := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", "", "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := cf.client()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, spikenet.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

// parseLanes reads "track=1,spot=2:5" into lane specs. The readout node
// defaults to the input node.
func parseLanes(value string) ([]spikenet.LaneSpec, error) {
	var lanes []spikenet.LaneSpec
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, nodes, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid lane %q: want label=input[:readout]", item)
		}
		label, err := model.ParseLabel(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return nil, err
		}
		if label == model.LabelUndetermined {
			return nil, fmt.Errorf("invalid lane %q: undetermined is not a class", item)
		}
		inputText, readoutText, hasReadout := strings.Cut(nodes, ":")
		input, err := parseNodeID(inputText)
		if err != nil {
			return nil, fmt.Errorf("invalid lane %q: %w", item, err)
		}
		lane := spikenet.LaneSpec{Label: label, Input: input}
		if hasReadout {
			if lane.Readout, err = parseNodeID(readoutText); err != nil {
				return nil, fmt.Errorf("invalid lane %q: %w", item, err)
			}
		}
		lanes = append(lanes, lane)
	}
	if len(lanes) == 0 {
		return nil, errors.New("lane list is empty")
	}
	return lanes, nil
}

func parseNodeID(value string) (model.NodeID, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("node id must be a positive integer: %q", value)
	}
	return model.NodeID(id), nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: spikenetctl <init|classify|train|runs|records|report|export> [flags]", msg)
}
