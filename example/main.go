package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/badgerkv"
	"github.com/meikuraledutech/pixelflow/config"
	"github.com/meikuraledutech/pixelflow/library"
	"github.com/meikuraledutech/pixelflow/studio"
	"github.com/meikuraledutech/pixelflow/topology"
)

// echoGenerator stands in for Gemini: it "renders" the prompt together with
// the number of reference images it was given.
func echoGenerator(_ context.Context, req pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
	return pixelflow.GenerateResult{
		Text: fmt.Sprintf("[%s %s] %s (refs: %d)", req.Model, req.AspectRatio, req.Prompt, len(req.Images)),
	}, nil
}

func main() {
	ctx := context.Background()
	logger := config.NewLogger("info", "text", os.Stderr)

	kv, err := badgerkv.Open("", logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer kv.Close()

	projects := library.NewProjects(kv)
	history := library.NewHistory(kv)
	templates := library.NewTemplates(kv)
	manager := studio.NewManager(projects, history, pixelflow.GeneratorFunc(echoGenerator),
		studio.Options{Debounce: 50 * time.Millisecond, StepDelay: 10 * time.Millisecond}, logger)

	// 1. Create and open a project
	proj, err := projects.Create(ctx, "Fox series")
	if err != nil {
		log.Fatalf("create project: %v", err)
	}
	s, err := manager.Open(ctx, proj.ID)
	if err != nil {
		log.Fatalf("open project: %v", err)
	}
	fmt.Println("project opened:", proj.ID)

	// ── Build a diamond: seed -> (left, right) -> merge ───────────────
	seed := topology.NewNode(pixelflow.TypeImageGenerator, pixelflow.Position{X: 200, Y: 0})
	seed.Data[pixelflow.KeyPrompt] = "a red fox in a forest"
	left := topology.NewNode(pixelflow.TypeImageGenerator, pixelflow.Position{X: 0, Y: 250})
	left.Data[pixelflow.KeyPrompt] = "same fox, watercolor"
	right := topology.NewNode(pixelflow.TypeImageGenerator, pixelflow.Position{X: 400, Y: 250})
	right.Data[pixelflow.KeyPrompt] = "same fox, in snow"
	merge := topology.NewNode(pixelflow.TypeImageGenerator, pixelflow.Position{X: 200, Y: 500})
	merge.Data[pixelflow.KeyPrompt] = "combine both styles"

	ids, err := s.Store.AddNodes(seed, left, right, merge)
	if err != nil {
		log.Fatalf("add nodes: %v", err)
	}
	for _, e := range [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}} {
		if _, err := s.Store.AddEdge(pixelflow.Edge{Source: ids[e[0]], Target: ids[e[1]]}); err != nil {
			log.Fatalf("add edge: %v", err)
		}
	}

	groupID, err := s.Editor.Group(ids)
	if err != nil {
		log.Fatalf("group: %v", err)
	}
	order, err := s.Scheduler.Plan(s.Store.Snapshot(), groupID)
	if err != nil {
		log.Fatalf("plan: %v", err)
	}
	fmt.Println("\nexecution order:", order)

	// ── Run the group ─────────────────────────────────────────────────
	report, err := s.Scheduler.RunGroup(ctx, groupID)
	if err != nil {
		log.Fatalf("run group: %v", err)
	}
	fmt.Println("\nresults:")
	for _, id := range report.Order {
		fmt.Printf("  %s -> %s\n", id, report.Results[id])
	}

	// ── Save the group as a template and drop a copy next to it ───────
	nodes, edges, err := s.Editor.Capture([]string{groupID})
	if err != nil {
		log.Fatalf("capture: %v", err)
	}
	tpl, err := templates.Add(ctx, pixelflow.WorkflowTemplate{Name: "Fox diamond", Nodes: nodes, Edges: edges})
	if err != nil {
		log.Fatalf("save template: %v", err)
	}
	copies, err := s.Editor.Instantiate(tpl, pixelflow.Position{X: 1200, Y: 300})
	if err != nil {
		log.Fatalf("instantiate: %v", err)
	}
	fmt.Printf("\ntemplate %q instantiated: %d nodes\n", tpl.Name, len(copies))

	// ── Close flushes the autosave ────────────────────────────────────
	if err := manager.Close(ctx, proj.ID); err != nil {
		log.Fatalf("close: %v", err)
	}
	saved, err := projects.Get(ctx, proj.ID)
	if err != nil {
		log.Fatalf("reload: %v", err)
	}
	items, err := history.List(ctx)
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	fmt.Printf("\nsaved %d nodes, %d edges; %d history items\n", len(saved.Graph.Nodes), len(saved.Graph.Edges), len(items))

	slog.Info("done", "project", proj.ID)
	printJSON(saved.ProjectMeta)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
