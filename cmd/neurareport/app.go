package main

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/neurareport/core/internal/artifactstore"
	"github.com/neurareport/core/internal/catalog"
	"github.com/neurareport/core/internal/config"
	"github.com/neurareport/core/internal/email"
	"github.com/neurareport/core/internal/jobs"
	"github.com/neurareport/core/internal/llm"
	"github.com/neurareport/core/internal/llm/providers/openai"
	"github.com/neurareport/core/internal/logging"
	"github.com/neurareport/core/internal/orchestrator"
	"github.com/neurareport/core/internal/pipeline"
	"github.com/neurareport/core/internal/render"
	"github.com/neurareport/core/internal/schemaval"
	"github.com/neurareport/core/internal/statestore"
)

// app bundles every collaborator a CLI command needs, built once per
// invocation the way kilroy's server.New wires its dependencies before
// serving a request -- here, before running a single command.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *statestore.Store
	arts  *artifactstore.Store
	cats  *catalog.Cache

	orch *orchestrator.Orchestrator
	pipe *pipeline.Deps
	pool *jobs.Pool
}

// newApp resolves config, opens the state/artifact stores, and wires the
// orchestrator and pipeline dependency bundles. The headless browser, PDF
// rasterizer, PDF->DOCX converter, and HTML exporters are external
// collaborators per spec §6 and are left nil here: a deployment wires a
// concrete render.Collaborators, not this reference entrypoint.
func newApp(devLog bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("neurareport: load config: %w", err)
	}
	if cfg.OpenAIAPIKey == "" && !cfg.AllowMissingOpenAI {
		return nil, fmt.Errorf("neurareport: OPENAI_API_KEY is required (or set NEURA_ALLOW_MISSING_OPENAI=1)")
	}

	log := logging.New(devLog)

	store, err := statestore.Open(cfg.StateDir, cfg.StateSecret)
	if err != nil {
		return nil, fmt.Errorf("neurareport: open state store: %w", err)
	}
	arts, err := artifactstore.New(cfg.UploadRoot)
	if err != nil {
		return nil, fmt.Errorf("neurareport: open artifact store: %w", err)
	}

	cats := catalog.NewCache(cfg.SchemaCacheTTL, cfg.SchemaCacheMaxEntries)

	adapter := openai.New(cfg.OpenAIAPIKey, "")
	llmClient := llm.NewClient(adapter)
	llmClient.DebugDir = cfg.LLMDebugDir

	var emailTransport email.Transport
	if host := os.Getenv("NEURA_SMTP_HOST"); host != "" {
		port, _ := strconv.Atoi(os.Getenv("NEURA_SMTP_PORT"))
		if port == 0 {
			port = 587
		}
		emailTransport = email.NewSMTPTransport(email.SMTPConfig{
			Host:     host,
			Port:     port,
			Username: os.Getenv("NEURA_SMTP_USERNAME"),
			Password: os.Getenv("NEURA_SMTP_PASSWORD"),
			From:     os.Getenv("NEURA_SMTP_FROM"),
		})
	}

	orch := &orchestrator.Orchestrator{
		Store:        store,
		Artifacts:    arts,
		CatalogCache: cats,
		Collaborators: render.Collaborators{
			PDF2DOCXWait: cfg.PDF2DOCXTimeout,
		},
		Email:     emailTransport,
		Log:       log,
		DefaultDB: cfg.DefaultDB,
		EnvDBPath: cfg.DBPath,
	}

	pipe := &pipeline.Deps{
		LLM:       llmClient,
		Schema:    schemaval.New(),
		Artifacts: arts,
		Store:     store,
		Config:    cfg,
		Log:       log,
		Model:     cfg.OpenAIModel,
	}

	pool := jobs.NewPool(store, log, cfg.JobMaxWorkers, jobs.StepProgress{
		"dataLoad":  60,
		"renderPdf": 85,
		"finalize":  90,
		"notify":    95,
	})

	return &app{cfg: cfg, log: log, store: store, arts: arts, cats: cats, orch: orch, pipe: pipe, pool: pool}, nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.log.Sync()
}
