package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/engine"
	"github.com/deepnoodle-ai/stride/mcp"
	"github.com/deepnoodle-ai/stride/memory"
	"github.com/deepnoodle-ai/stride/reasoner"
	"github.com/deepnoodle-ai/stride/slogger"
)

// BuildOptions supplies the runtime pieces that cannot be expressed in a
// document: tool implementations, the reasoner, and stores.
type BuildOptions struct {
	// Tools are the native tool implementations available to the plan. Tool
	// entries in the document attach policy to these by name.
	Tools []stride.Tool

	// Reasoner used for inference, consistency checks, and replanning.
	Reasoner reasoner.Reasoner

	// Memory is the recovery memory store.
	Memory memory.Store

	// RunStore overrides the document's run_store_path when set.
	RunStore engine.RunStore

	// Logger overrides the document's log_level when set.
	Logger slogger.Logger

	// BasePath resolves relative paths in the document (plan_path,
	// run_store_path).
	BasePath string
}

// Runtime is a fully wired engine built from a document.
type Runtime struct {
	Engine   *engine.Engine
	Registry *stride.Registry
	Plan     *stride.ExecutionPlan
	Inputs   map[string]any
	Logger   slogger.Logger

	// MCP is the server manager behind any MCP-provided tools. Nil when the
	// document configures no servers.
	MCP *mcp.Manager
}

// Close releases resources held by the runtime, closing any MCP server
// connections.
func (r *Runtime) Close() error {
	if r.MCP != nil {
		return r.MCP.Close()
	}
	return nil
}

// Build validates the document and assembles a runnable engine from it.
func Build(ctx context.Context, doc *Document, opts BuildOptions) (*Runtime, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	logger := slogger.DefaultLogger
	if opts.Logger != nil {
		logger = opts.Logger
	} else if doc.Engine != nil && doc.Engine.LogLevel != "" {
		logger = slogger.New(slogger.LevelFromString(doc.Engine.LogLevel))
	}

	// MCP servers contribute tools alongside the caller-provided ones.
	// Caller-provided tools win on name conflicts.
	var mcpManager *mcp.Manager
	toolsMap := map[string]stride.Tool{}
	if len(doc.MCPServers) > 0 {
		servers := make([]*mcp.ServerConfig, 0, len(doc.MCPServers))
		for _, server := range doc.MCPServers {
			servers = append(servers, server.ToServerConfig())
		}
		mcpManager = mcp.NewManager(mcp.ManagerOptions{Logger: logger})
		if err := mcpManager.InitializeServers(ctx, servers); err != nil {
			return nil, fmt.Errorf("failed to initialize mcp servers: %w", err)
		}
		for name, tool := range mcpManager.GetAllTools() {
			toolsMap[name] = tool
		}
	}
	for _, tool := range opts.Tools {
		toolsMap[tool.Name()] = tool
	}

	entriesByName := make(map[string]*ToolEntry, len(doc.Tools))
	for _, entry := range doc.Tools {
		if _, ok := toolsMap[entry.Name]; !ok {
			return nil, fmt.Errorf("tool %q is configured but not available", entry.Name)
		}
		entriesByName[entry.Name] = entry
	}

	registry := stride.NewRegistry()
	names := make([]string, 0, len(toolsMap))
	for name := range toolsMap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var toolConfig *stride.ToolConfig
		if entry, ok := entriesByName[name]; ok {
			toolConfig = entry.ToToolConfig()
		}
		if err := registry.Register(toolsMap[name], toolConfig); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", name, err)
		}
	}

	engineOpts := engine.Options{
		Registry: registry,
		Reasoner: opts.Reasoner,
		Memory:   opts.Memory,
		RunStore: opts.RunStore,
		Logger:   logger,
	}
	if doc.Engine != nil {
		ec := doc.Engine
		engineOpts.WorkerCount = ec.WorkerCount
		engineOpts.IterationLimit = ec.IterationLimit
		engineOpts.MaxReplans = ec.MaxReplans
		engineOpts.WindowSize = ec.WindowSize
		engineOpts.RepeatedFailureCount = ec.RepeatedFailureCount
		engineOpts.PeriodicReplanInterval = ec.PeriodicReplanInterval
		engineOpts.ConfidenceThreshold = ec.ConfidenceThreshold
		engineOpts.MemoryAcceptScore = ec.MemoryAcceptScore
		engineOpts.EventBatchSize = ec.EventBatchSize
		// An absent replan_triggers list means engine defaults; an empty
		// list explicitly disables pattern-triggered replans.
		if ec.ReplanTriggers != nil {
			triggers := make([]stride.PatternType, 0, len(ec.ReplanTriggers))
			for _, trigger := range ec.ReplanTriggers {
				triggers = append(triggers, stride.PatternType(trigger))
			}
			engineOpts.ReplanTriggers = triggers
		}
		if ec.StepTimeout != "" {
			timeout, err := time.ParseDuration(ec.StepTimeout)
			if err != nil {
				return nil, fmt.Errorf("invalid step_timeout: %w", err)
			}
			engineOpts.StepTimeout = timeout
		}
		if engineOpts.RunStore == nil && ec.RunStorePath != "" {
			engineOpts.RunStore = engine.NewFileRunStore(resolvePath(opts.BasePath, ec.RunStorePath))
		}
	}

	eng, err := engine.New(engineOpts)
	if err != nil {
		return nil, err
	}

	plan := doc.Plan
	if plan != nil {
		plan = plan.Copy()
	} else if doc.PlanPath != "" {
		plan, err = stride.ParsePlanFile(resolvePath(opts.BasePath, doc.PlanPath))
		if err != nil {
			return nil, fmt.Errorf("failed to load plan from %s: %w", doc.PlanPath, err)
		}
	}

	return &Runtime{
		Engine:   eng,
		Registry: registry,
		Plan:     plan,
		Inputs:   doc.Inputs,
		Logger:   logger,
		MCP:      mcpManager,
	}, nil
}

// resolvePath joins a relative path onto the base path, leaving absolute
// paths untouched.
func resolvePath(basePath, path string) string {
	if basePath == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(basePath, path)
}
