package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"orgrun/internal/backend"
	"orgrun/internal/budget"
	"orgrun/internal/config"
	"orgrun/internal/events"
	"orgrun/internal/metrics"
	"orgrun/internal/orchestrator"
	"orgrun/internal/patch"
	"orgrun/internal/planner"
	"orgrun/internal/scheduler"
	sqlitestore "orgrun/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.orgrun/config.toml)")
	dbPathFlag := flag.String("db", "", "sqlite audit database path override")
	brief := flag.String("brief", "", "problem statement to plan and execute")
	budgetFlag := flag.Float64("budget", 0, "total budget in USD")
	answersFlag := flag.String("answers", "", "discovery answers, separated by ';' (default: the brief itself)")
	backendFlag := flag.String("backend", "", "execution backend override: scripted or command")
	statePath := flag.String("state", "", "write the pipeline state to this file on exit")
	advise := flag.Bool("advise", false, "print budget advice for the brief and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*brief) == "" {
		log.Fatalf("a -brief problem statement is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Store.DBPath, "orgrun.db"))
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create db directory: %v", err)
		}
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}
	prior, err := store.ListPatches(ctx)
	if err != nil {
		log.Fatalf("read audit log: %v", err)
	}
	if len(prior) > 0 {
		log.Fatalf("database %s already holds a run (%d patches); pass -db with a fresh path", dbPath, len(prior))
	}
	journal := patch.NewLog(store)

	pl := planner.New(log.Default())
	if *advise {
		printAdvice(pl, *brief, *answersFlag)
		return
	}
	if *budgetFlag <= 0 {
		log.Fatalf("a positive -budget is required (try -advise first)")
	}

	bus := events.NewBus()
	ctrl := budget.NewController(journal, budget.Thresholds{
		WarnFrac:      cfg.Budget.WarnFrac,
		CriticalFrac:  cfg.Budget.CriticalFrac,
		EmergencyFrac: cfg.Budget.EmergencyFrac,
	}, log.Default())
	engine := metrics.NewEngine(metrics.Weights{
		Completion:   cfg.Metrics.CompletionWeight,
		BudgetHealth: cfg.Metrics.BudgetHealthWeight,
		OKR:          cfg.Metrics.OKRWeight,
	}, cfg.Metrics.CriticalFloor)

	var exec scheduler.Backend
	switch firstNonEmpty(*backendFlag, cfg.Backend.Kind, "scripted") {
	case "scripted":
		exec = backend.NewScripted()
	case "command":
		exec = backend.NewCommand(cfg.Backend.Binary, cfg.Backend.Workdir, log.Default())
	default:
		log.Fatalf("unknown backend %q", *backendFlag)
	}
	sched := scheduler.New(journal, ctrl, bus, exec, scheduler.Config{
		Concurrency:  cfg.Scheduler.Concurrency,
		MaxRetries:   cfg.Scheduler.MaxRetries,
		TaskDeadline: time.Duration(cfg.Scheduler.TaskDeadlineMS) * time.Millisecond,
	}, log.Default())
	svc := orchestrator.New(journal, ctrl, bus, pl, sched, engine, orchestrator.Offline{}, log.Default())

	// Every event goes to the audit store and to stdout as one JSON line.
	feed, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		enc := json.NewEncoder(os.Stdout)
		for ev := range feed {
			if err := store.AppendEvent(context.Background(), ev); err != nil {
				log.Printf("persist event: %v", err)
			}
			_ = enc.Encode(ev)
		}
	}()

	if *statePath != "" {
		defer saveState(svc, *statePath)
	}

	questions, err := svc.StartupPhase(ctx, *brief, *budgetFlag)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	for i, q := range questions {
		log.Printf("discovery %d: %s", i+1, q)
	}
	answers := splitAnswers(*answersFlag)
	if len(answers) == 0 {
		answers = []string{*brief}
	}
	prd, err := svc.ProcessDiscovery(ctx, answers)
	if err != nil {
		log.Fatalf("discovery: %v", err)
	}
	log.Printf("requirements: %q with %d objectives", prd.Title, len(prd.Objectives))

	if err := svc.PlanOrganization(ctx); err != nil {
		log.Fatalf("plan: %v", err)
	}
	res, err := svc.Execute(ctx)
	if err != nil {
		log.Fatalf("execute: %v", err)
	}

	bus.Close()
	pump.Wait()

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Fatalf("encode result: %v", err)
	}
	fmt.Println(string(out))
	if !res.Summary.Success {
		os.Exit(1)
	}
}

func printAdvice(pl *planner.Planner, brief, answersRaw string) {
	ctx := context.Background()
	// Derive the same requirements the pipeline would, then price them.
	svc := orchestrator.New(patch.NewLog(nil), nil, nil, pl, nil, nil, orchestrator.Offline{}, log.Default())
	if _, err := svc.StartupPhase(ctx, brief, 1); err != nil {
		log.Fatalf("startup: %v", err)
	}
	answers := splitAnswers(answersRaw)
	if len(answers) == 0 {
		answers = []string{brief}
	}
	prd, err := svc.ProcessDiscovery(ctx, answers)
	if err != nil {
		log.Fatalf("discovery: %v", err)
	}
	advice := pl.RecommendBudget(prd)
	out, _ := json.MarshalIndent(advice, "", "  ")
	fmt.Println(string(out))
}

func saveState(svc *orchestrator.Service, path string) {
	blob, err := svc.ExportState()
	if err != nil {
		log.Printf("export state: %v", err)
		return
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		log.Printf("write state file: %v", err)
	}
}

func splitAnswers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
