// Command fillcli fills a markform document from the command line: parse,
// run the fill loop against a configured model, write the filled markdown
// and (optionally) the FillRecord next to the input.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"markform.app/fill/common/id"
	"markform.app/fill/common/logger"
	"markform.app/fill/core/config"
	"markform.app/fill/internal/fillengine"
	"markform.app/fill/internal/mdcodec"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fillcli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		formPath     = flag.String("form", "", "path to the .form.md document (required)")
		model        = flag.String("model", "openai/gpt-5-codex", "model as provider/modelId")
		outPath      = flag.String("out", "", "output path (default: <form>.filled.md)")
		recordFill   = flag.Bool("record", false, "write a .fill.json FillRecord next to the output")
		webSearch    = flag.Bool("web-search", false, "expose the web_search tool to the agent")
		parallel     = flag.Bool("parallel", false, "honor order/parallelBatch hints with concurrent agents")
		maxTurns     = flag.Int("max-turns", 0, "total turn budget (0 = form/default)")
		maxParallel  = flag.Int("max-parallel", 0, "concurrent agent cap in parallel mode")
		fillMode     = flag.String("fill-mode", "continue", `"continue" or "overwrite"`)
		targetRoles  = flag.String("roles", "", "comma-separated target roles (default: agent)")
		inputContext = flag.String("input-context", "", "path to a JSON file of fieldId -> value seed data")
	)
	flag.Parse()

	if *formPath == "" {
		flag.Usage()
		return fmt.Errorf("-form is required")
	}

	cfg := config.Load()
	logger.Setup(cfg)
	if err := id.Init(1); err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	text, err := os.ReadFile(*formPath)
	if err != nil {
		return fmt.Errorf("read form: %w", err)
	}

	var seed map[string]any
	if *inputContext != "" {
		blob, err := os.ReadFile(*inputContext)
		if err != nil {
			return fmt.Errorf("read input context: %w", err)
		}
		if err := json.Unmarshal(blob, &seed); err != nil {
			return fmt.Errorf("parse input context: %w", err)
		}
	}

	var roles []string
	if *targetRoles != "" {
		roles = strings.Split(*targetRoles, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := fillengine.Fill(ctx, fillengine.Options{
		FormText:          string(text),
		Codec:             mdcodec.New(),
		Model:             *model,
		EnableWebSearch:   *webSearch,
		RecordFill:        *recordFill,
		EnableParallel:    *parallel,
		MaxTurnsTotal:     *maxTurns,
		MaxParallelAgents: *maxParallel,
		TargetRoles:       roles,
		FillMode:          *fillMode,
		InputContext:      seed,
	})
	if err != nil {
		return err
	}

	out := *outPath
	if out == "" {
		out = strings.TrimSuffix(*formPath, ".form.md") + ".filled.md"
	}
	if result.Markdown != "" {
		if err := os.WriteFile(out, []byte(result.Markdown), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}

	if *recordFill && result.Record != nil {
		recPath := strings.TrimSuffix(out, ".md") + ".fill.json"
		blob, err := json.MarshalIndent(result.Record, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := os.WriteFile(recPath, blob, 0o644); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}

	if !result.Status.OK {
		slog.Warn("fill did not complete",
			"reason", result.Status.Reason,
			"turns", result.Turns,
			"remaining_issues", len(result.RemainingIssues))
		if result.Status.Err != nil {
			return result.Status.Err
		}
		return fmt.Errorf("fill stopped: %s", result.Status.Reason)
	}

	slog.Info("fill complete",
		"turns", result.Turns,
		"patches", result.TotalPatches,
		"answered_fields", len(result.Values),
		"output", out)
	return nil
}
