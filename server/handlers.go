package main

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v3"
	json "github.com/goccy/go-json"
	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/graph"
	"github.com/meikuraledutech/pixelflow/library"
	"github.com/meikuraledutech/pixelflow/studio"
	"github.com/meikuraledutech/pixelflow/topology"
)

type api struct {
	projects  *library.Projects
	history   *library.History
	templates *library.Templates
	creds     *library.Credentials
	studio    *studio.Manager
	logger    *slog.Logger
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pixelflow.ErrNodeNotFound),
		errors.Is(err, pixelflow.ErrEdgeNotFound),
		errors.Is(err, pixelflow.ErrProjectNotFound),
		errors.Is(err, pixelflow.ErrTemplateNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, pixelflow.ErrCycleDetected):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, pixelflow.ErrNodeBusy),
		errors.Is(err, pixelflow.ErrSessionClosed):
		return fiber.StatusConflict
	case errors.Is(err, pixelflow.ErrDuplicateNode),
		errors.Is(err, pixelflow.ErrInvalidNode),
		errors.Is(err, pixelflow.ErrInvalidParent),
		errors.Is(err, pixelflow.ErrNestedGroup),
		errors.Is(err, pixelflow.ErrSelfLoop),
		errors.Is(err, pixelflow.ErrNotContainer),
		errors.Is(err, pixelflow.ErrTooFewNodes),
		errors.Is(err, pixelflow.ErrNothingSelected),
		errors.Is(err, pixelflow.ErrInvalidTemplate):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

func (a *api) fail(c fiber.Ctx, err error) error {
	status := statusFor(err)
	body := fiber.Map{"error": err.Error()}
	var cycle *pixelflow.CycleError
	if errors.As(err, &cycle) {
		body["nodes"] = cycle.Nodes
	}
	if status == fiber.StatusInternalServerError {
		a.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(body)
}

func badBody(c fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
}

// session opens the project named by :id, or returns it if already open.
func (a *api) session(c fiber.Ctx) (*studio.Session, error) {
	return a.studio.Open(c.Context(), c.Params("id"))
}

func newApp(a *api) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:     "pixelflow",
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})

	// ── Projects ──────────────────────────────────────────────────────
	app.Get("/projects", a.listProjects)
	app.Post("/projects", a.createProject)
	app.Get("/projects/:id", a.getProject)
	app.Put("/projects/:id", a.renameProject)
	app.Delete("/projects/:id", a.deleteProject)
	app.Post("/projects/:id/open", a.openProject)
	app.Post("/projects/:id/flush", a.flushProject)
	app.Post("/projects/:id/close", a.closeProject)

	// ── Graph ─────────────────────────────────────────────────────────
	app.Get("/projects/:id/graph", a.getGraph)
	app.Delete("/projects/:id/graph", a.clearGraph)
	app.Post("/projects/:id/nodes", a.addNode)
	app.Patch("/projects/:id/nodes/:nid", a.patchNode)
	app.Delete("/projects/:id/nodes/:nid", a.deleteNode)
	app.Post("/projects/:id/edges", a.addEdge)
	app.Delete("/projects/:id/edges/:eid", a.deleteEdge)

	// ── Execution ─────────────────────────────────────────────────────
	app.Post("/projects/:id/nodes/:nid/run", a.runNode)
	app.Post("/projects/:id/groups/:gid/run", a.runGroup)
	app.Get("/projects/:id/groups/:gid/plan", a.planGroup)

	// ── Topology ──────────────────────────────────────────────────────
	app.Post("/projects/:id/group", a.group)
	app.Post("/projects/:id/groups/:gid/ungroup", a.ungroup)
	app.Post("/projects/:id/nodes/:nid/next", a.addNext)
	app.Post("/projects/:id/nodes/:nid/derive", a.derive)
	app.Post("/projects/:id/history/:hid", a.insertFromHistory)
	app.Post("/projects/:id/templates", a.captureTemplate)
	app.Post("/projects/:id/templates/:tid/instantiate", a.instantiate)

	// ── Library ───────────────────────────────────────────────────────
	app.Get("/history", a.listHistory)
	app.Delete("/history", a.clearHistory)
	app.Get("/templates", a.listTemplates)
	app.Post("/templates/import", a.importTemplate)
	app.Get("/templates/:tid", a.getTemplate)
	app.Delete("/templates/:tid", a.deleteTemplate)
	app.Get("/templates/:tid/export", a.exportTemplate)
	app.Put("/credentials", a.setCredential)
	app.Delete("/credentials", a.clearCredential)

	return app
}

// ── Projects ──────────────────────────────────────────────────────────

func (a *api) listProjects(c fiber.Ctx) error {
	index, err := a.projects.List(c.Context())
	if err != nil {
		return a.fail(c, err)
	}
	if index == nil {
		index = []pixelflow.ProjectMeta{}
	}
	return c.JSON(index)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (a *api) createProject(c fiber.Ctx) error {
	var req nameRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badBody(c)
		}
	}
	proj, err := a.projects.Create(c.Context(), req.Name)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(proj)
}

func (a *api) getProject(c fiber.Ctx) error {
	id := c.Params("id")
	proj, err := a.projects.Get(c.Context(), id)
	if err != nil {
		return a.fail(c, err)
	}
	// An open session holds edits the store has not seen yet.
	if s, ok := a.studio.Session(id); ok {
		proj.Graph = s.Store.Snapshot()
	}
	return c.JSON(proj)
}

func (a *api) renameProject(c fiber.Ctx) error {
	var req nameRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badBody(c)
	}
	meta, err := a.projects.Rename(c.Context(), c.Params("id"), req.Name)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(meta)
}

func (a *api) deleteProject(c fiber.Ctx) error {
	id := c.Params("id")
	a.studio.Discard(id)
	if err := a.projects.Delete(c.Context(), id); err != nil {
		return a.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) openProject(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(s.Store.Snapshot())
}

func (a *api) flushProject(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	if err := s.Saver.Flush(c.Context()); err != nil {
		return a.fail(c, err)
	}
	return c.JSON(fiber.Map{"state": s.Saver.State().String(), "savedAt": s.Saver.SavedAt()})
}

func (a *api) closeProject(c fiber.Ctx) error {
	if err := a.studio.Close(c.Context(), c.Params("id")); err != nil {
		return a.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ── Graph ─────────────────────────────────────────────────────────────

func (a *api) getGraph(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(s.Store.Snapshot())
}

func (a *api) clearGraph(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	s.Editor.Clear()
	return c.SendStatus(fiber.StatusNoContent)
}

type nodeRequest struct {
	Type     pixelflow.NodeType `json:"type"`
	Position pixelflow.Position `json:"position"`
	ParentID string             `json:"parentId"`
	Data     pixelflow.Data     `json:"data"`
}

func (a *api) addNode(c fiber.Ctx) error {
	var req nodeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badBody(c)
	}
	if !req.Type.Valid() {
		return a.fail(c, pixelflow.ErrInvalidNode)
	}
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	n := topology.NewNode(req.Type, req.Position)
	n.ParentID = req.ParentID
	if n.Data, err = graph.Merge(n.Data, req.Data); err != nil {
		return a.fail(c, err)
	}
	ids, err := s.Store.AddNodes(n)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": ids[0]})
}

func (a *api) patchNode(c fiber.Ctx) error {
	var patch pixelflow.Data
	if err := c.Bind().JSON(&patch); err != nil {
		return badBody(c)
	}
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	n, err := s.Store.UpdateData(c.Params("nid"), patch)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(n)
}

func (a *api) deleteNode(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	removed := s.Editor.Delete(c.Params("nid"))
	if len(removed) == 0 {
		return a.fail(c, pixelflow.ErrNodeNotFound)
	}
	return c.JSON(fiber.Map{"removed": removed})
}

func (a *api) addEdge(c fiber.Ctx) error {
	var edge pixelflow.Edge
	if err := c.Bind().JSON(&edge); err != nil {
		return badBody(c)
	}
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	id, err := s.Store.AddEdge(edge)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

func (a *api) deleteEdge(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	eid := c.Params("eid")
	if s.Store.RemoveEdges(func(e pixelflow.Edge) bool { return e.ID == eid }) == 0 {
		return a.fail(c, pixelflow.ErrEdgeNotFound)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ── Execution ─────────────────────────────────────────────────────────

type runRequest struct {
	Overrides graph.Overrides `json:"overrides"`
}

func (a *api) runNode(c fiber.Ctx) error {
	var req runRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badBody(c)
		}
	}
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	nid := c.Params("nid")
	n, ok := s.Store.Node(nid)
	if !ok {
		return a.fail(c, pixelflow.ErrNodeNotFound)
	}
	if !n.Type.IsGenerator() {
		return a.fail(c, pixelflow.ErrInvalidNode)
	}
	if s.Executor.Running(nid) {
		return a.fail(c, pixelflow.ErrNodeBusy)
	}
	if err := s.RunNode(nid, req.Overrides); err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"node": nid, "status": "running"})
}

// plan validates the group named by :gid and returns its execution order.
func (a *api) plan(c fiber.Ctx, s *studio.Session) ([]string, error) {
	gid := c.Params("gid")
	n, ok := s.Store.Node(gid)
	if !ok {
		return nil, pixelflow.ErrNodeNotFound
	}
	if !n.Type.IsContainer() {
		return nil, pixelflow.ErrNotContainer
	}
	order, err := s.Scheduler.Plan(s.Store.Snapshot(), gid)
	if err != nil {
		return nil, err
	}
	if order == nil {
		order = []string{}
	}
	return order, nil
}

func (a *api) runGroup(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	order, err := a.plan(c, s)
	if err != nil {
		return a.fail(c, err)
	}
	if err := s.RunGroup(c.Params("gid")); err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"group": c.Params("gid"), "order": order})
}

func (a *api) planGroup(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	order, err := a.plan(c, s)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(fiber.Map{"group": c.Params("gid"), "order": order})
}

// ── Topology ──────────────────────────────────────────────────────────

type selectionRequest struct {
	NodeIDs []string `json:"nodeIds"`
}

func (a *api) group(c fiber.Ctx) error {
	var req selectionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badBody(c)
	}
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	id, err := s.Editor.Group(req.NodeIDs)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

func (a *api) ungroup(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	if err := s.Editor.Ungroup(c.Params("gid")); err != nil {
		return a.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) addNext(c fiber.Ctx) error {
	var req struct {
		Type pixelflow.NodeType `json:"type"`
	}
	if err := c.Bind().JSON(&req); err != nil {
		return badBody(c)
	}
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	id, err := s.Editor.AddNext(c.Params("nid"), req.Type)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

func (a *api) derive(c fiber.Ctx) error {
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	id, err := s.Editor.DeriveImage(c.Params("nid"))
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

type positionRequest struct {
	Position pixelflow.Position `json:"position"`
}

func (a *api) insertFromHistory(c fiber.Ctx) error {
	var req positionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badBody(c)
		}
	}
	item, ok, err := a.history.Get(c.Context(), c.Params("hid"))
	if err != nil {
		return a.fail(c, err)
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "history item not found"})
	}
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	id, err := s.Editor.InsertFromHistory(item, req.Position)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

func (a *api) captureTemplate(c fiber.Ctx) error {
	var req struct {
		selectionRequest
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}
	if err := c.Bind().JSON(&req); err != nil {
		return badBody(c)
	}
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	nodes, edges, err := s.Editor.Capture(req.NodeIDs)
	if err != nil {
		return a.fail(c, err)
	}
	tpl, err := a.templates.Add(c.Context(), pixelflow.WorkflowTemplate{
		Name:        req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		Nodes:       nodes,
		Edges:       edges,
	})
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(tpl)
}

func (a *api) instantiate(c fiber.Ctx) error {
	var req positionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badBody(c)
		}
	}
	tpl, err := a.templates.Get(c.Context(), c.Params("tid"))
	if err != nil {
		return a.fail(c, err)
	}
	s, err := a.session(c)
	if err != nil {
		return a.fail(c, err)
	}
	ids, err := s.Editor.Instantiate(tpl, req.Position)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ids": ids})
}

// ── Library ───────────────────────────────────────────────────────────

func (a *api) listHistory(c fiber.Ctx) error {
	items, err := a.history.List(c.Context())
	if err != nil {
		return a.fail(c, err)
	}
	if items == nil {
		items = []pixelflow.HistoryItem{}
	}
	return c.JSON(items)
}

func (a *api) clearHistory(c fiber.Ctx) error {
	if err := a.history.Clear(c.Context()); err != nil {
		return a.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) listTemplates(c fiber.Ctx) error {
	tpls, err := a.templates.List(c.Context())
	if err != nil {
		return a.fail(c, err)
	}
	if tpls == nil {
		tpls = []pixelflow.WorkflowTemplate{}
	}
	return c.JSON(tpls)
}

func (a *api) getTemplate(c fiber.Ctx) error {
	tpl, err := a.templates.Get(c.Context(), c.Params("tid"))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(tpl)
}

func (a *api) deleteTemplate(c fiber.Ctx) error {
	if err := a.templates.Delete(c.Context(), c.Params("tid")); err != nil {
		return a.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) exportTemplate(c fiber.Ctx) error {
	body, err := a.templates.Export(c.Context(), c.Params("tid"))
	if err != nil {
		return a.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="workflow.json"`)
	return c.Send(body)
}

func (a *api) importTemplate(c fiber.Ctx) error {
	tpl, err := a.templates.Import(c.Context(), c.Body())
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(tpl)
}

func (a *api) setCredential(c fiber.Ctx) error {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if err := c.Bind().JSON(&req); err != nil {
		return badBody(c)
	}
	if err := a.creds.SetAPIKey(c.Context(), req.APIKey); err != nil {
		return a.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) clearCredential(c fiber.Ctx) error {
	if err := a.creds.Clear(c.Context()); err != nil {
		return a.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
