package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/contextmgr"
	"github.com/nexus3/nexus3/internal/coretypes"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/internal/policy"
	"github.com/nexus3/nexus3/internal/provider"
	"github.com/nexus3/nexus3/internal/session"
)

// buildRunCmd wires a loaded Config into the spec-native stack
// (provider.Registry via the Config's ConfigSource implementation,
// internal/contextmgr, internal/session) and runs exactly one turn against
// the message passed as an argument, printing the resulting SessionEvent
// stream to stdout.
func buildRunCmd() *cobra.Command {
	var (
		cfgPath string
		model   string
		agentID string
	)

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run one agent turn against a configured model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := readMessage(cmd, args)
			if err != nil {
				return err
			}
			return runTurn(cmd, resolveConfigPath(cfgPath), model, agentID, message)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&model, "model", "", "Model alias (provider:model, provider/model, or bare alias); defaults to llm.default_provider's default_model")
	cmd.Flags().StringVar(&agentID, "agent-id", "cli", "Agent id attached to emitted spans/logs")
	return cmd
}

func readMessage(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(bufio.NewReader(cmd.InOrStdin()))
	if err != nil {
		return "", fmt.Errorf("reading message from stdin: %w", err)
	}
	return string(data), nil
}

func runTurn(cmd *cobra.Command, cfgPath, modelAlias, agentID, message string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := cmdLogger()
	registry := provider.NewRegistry(cfg, nil, logger)

	var metrics *observability.Metrics
	if cfg.Server.MetricsPort > 0 {
		metrics = observability.NewMetrics()
		registry.SetMetrics(metrics)
	}
	var tracer *observability.Tracer
	if cfg.Observability.Tracing.Enabled {
		t, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    firstNonEmpty(cfg.Observability.Tracing.ServiceName, "nexus3"),
			ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
			Environment:    cfg.Observability.Tracing.Environment,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
			Attributes:     cfg.Observability.Tracing.Attributes,
			EnableInsecure: cfg.Observability.Tracing.Insecure,
		})
		defer shutdown(cmd.Context())
		tracer = t
		registry.SetTracer(tracer)
	}

	prov, err := registry.GetForModel(modelAlias)
	if err != nil {
		return fmt.Errorf("resolving model: %w", err)
	}
	defer prov.Close()

	services := cliServices{cwd: ".", level: policy.Yolo}
	ctxMgr := contextmgr.New(nil, false, contextmgr.CompactionConfig{})
	sess := session.New(agentID, prov, ctxMgr, nil, services, nil, nil, session.Config{})
	sess.SetMetrics(metrics)
	sess.SetTracer(tracer)

	events, errs := sess.RunTurn(cmd.Context(), message, session.NewCancellationToken(), nil)
	out := cmd.OutOrStdout()
	for ev := range events {
		printEvent(out, ev)
	}
	if err := <-errs; err != nil {
		return fmt.Errorf("turn failed: %w", err)
	}
	return nil
}

func printEvent(out io.Writer, ev coretypes.SessionEvent) {
	switch e := ev.(type) {
	case coretypes.ContentChunk:
		fmt.Fprint(out, e.Text)
	case coretypes.ToolStarted:
		fmt.Fprintf(out, "\n[tool: %s]\n", e.ToolCall.Name)
	case coretypes.ToolCompleted:
		if e.Success {
			fmt.Fprintf(out, "[tool %s ok]\n", e.ToolCall.Name)
		} else {
			fmt.Fprintf(out, "[tool %s error: %s]\n", e.ToolCall.Name, e.Error)
		}
	case coretypes.SessionCompleted:
		if e.HaltedAtLimit {
			fmt.Fprintln(out, "\n[halted: max tool iterations reached]")
		}
	case coretypes.SessionCancelled:
		fmt.Fprintln(out, "\n[cancelled]")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// cliServices is the minimal session.Services for a single-shot CLI turn:
// full (YOLO) permissions, cwd fixed to the invocation directory, model
// resolution left to the provider registry (session.Services.Model is only
// consulted by compaction's own summarization call, not plumbed here).
type cliServices struct {
	cwd   string
	level policy.PermissionLevel
}

func (s cliServices) Permissions() *policy.AgentPermissions {
	return &policy.AgentPermissions{
		EffectivePolicy:   policy.PermissionPolicy{Level: s.level, CWD: s.cwd},
		SessionAllowances: policy.NewSessionAllowances(),
	}
}
func (s cliServices) CWD() string                  { return s.cwd }
func (s cliServices) Model() provider.ResolvedModel { return provider.ResolvedModel{} }
