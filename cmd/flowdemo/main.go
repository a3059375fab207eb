// Command flowdemo registers two demo workflows and drives them through the
// chat facade: a suspending onboarding conversation and an async report
// export with progress polling.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/app"
	"github.com/driftkit-ai/driftkit-go/pkg/config"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/chat"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
	"github.com/driftkit-ai/driftkit-go/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	slogCfg := logger.DefaultSlogConfig()
	slogCfg.Format = cfg.LogFormat
	logger.InitGlobalSlogger(slogCfg)
	log := logger.GetGlobalSlogger()

	application, cleanup, err := app.InitializeApplication(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	onboarding, err := onboardingGraph()
	if err != nil {
		return err
	}
	if err := application.Engine.Register(onboarding); err != nil {
		return err
	}

	report, err := workflow.Analyze(reportWorkflow{})
	if err != nil {
		return err
	}
	if err := application.Engine.Register(report); err != nil {
		return err
	}

	ctx := context.Background()
	if err := runOnboarding(ctx, application); err != nil {
		return err
	}
	if err := runReport(ctx, application); err != nil {
		return err
	}

	application.Engine.WaitForAsync()
	return nil
}

// goalInput is the answer the onboarding workflow waits for.
type goalInput struct {
	Goal     string `json:"goal" required:"true"`
	Deadline string `json:"deadline"`
}

// onboardingGraph builds a two-step conversation: ask for a goal, suspend,
// then answer with a plan.
func onboardingGraph() (*workflow.Graph, error) {
	return workflow.Define("onboarding", "1.0").
		Description("Collects a goal from the user and proposes a plan").
		Input("").
		Then("ask-goal", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			prompt := map[string]any{
				"properties": map[string]any{"question": "What do you want to achieve?"},
			}
			return workflow.Suspend(prompt, goalInput{}), nil
		}, "", nil).
		Then("plan", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			goal := input.(goalInput)
			plan := "1. break down \"" + goal.Goal + "\" 2. schedule weekly milestones"
			if goal.Deadline != "" {
				plan += " before " + goal.Deadline
			}
			return workflow.Finish(map[string]any{
				"properties": map[string]string{"plan": plan},
			}), nil
		}, goalInput{}, nil).
		Build()
}

func runOnboarding(ctx context.Context, application *app.Application) error {
	logger.Info("--- onboarding conversation ---")

	first, err := application.Chat.ExecuteChat(ctx, chat.Request{
		UserID:     "demo-user",
		WorkflowID: "onboarding",
		Message:    "hi",
	})
	if err != nil {
		return err
	}
	logger.Infof("engine asks: %s", first.Properties["question"])

	second, err := application.Chat.ExecuteChat(ctx, chat.Request{
		ChatID: first.ChatID,
		UserID: "demo-user",
		Properties: map[string]string{
			"goal":     "learn Go",
			"deadline": "March",
		},
	})
	if err != nil {
		return err
	}
	logger.Infof("engine answers: %s", second.Properties["plan"])
	return nil
}

// reportWorkflow is the declarative demo: one step that kicks off an async
// export task, finished by a glob-matched handler.
type reportWorkflow struct{}

func (reportWorkflow) Define() workflow.Definition {
	return workflow.Definition{
		ID:          "report",
		Version:     "1.0",
		Description: "Exports a report asynchronously with progress updates",
		Input:       "",
		Steps: []workflow.StepSpec{
			{Method: "Collect", Initial: true},
		},
		AsyncSteps: []workflow.AsyncSpec{
			{Method: "RunExport", TaskIDPattern: "export/**"},
		},
	}
}

func (reportWorkflow) Collect(ctx context.Context, format string) (workflow.StepResult, error) {
	if format == "" {
		format = "pdf"
	}
	return workflow.Async("export/"+format, time.Minute,
		map[string]any{"format": format},
		map[string]any{"status": "export queued"},
	), nil
}

func (reportWorkflow) RunExport(ctx context.Context, args map[string]any, reporter workflow.ProgressReporter) (workflow.StepResult, error) {
	format, _ := args["format"].(string)
	for _, pct := range []int{25, 50, 75} {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		reporter.UpdateProgress(pct, fmt.Sprintf("rendering %s (%d%%)", format, pct))
	}
	return workflow.Finish(map[string]any{
		"properties": map[string]string{"url": "file:///tmp/report." + format},
	}), nil
}

func runReport(ctx context.Context, application *app.Application) error {
	logger.Info("--- async report export ---")

	resp, err := application.Chat.ExecuteChat(ctx, chat.Request{
		UserID:     "demo-user",
		WorkflowID: "report",
		Message:    "pdf",
	})
	if err != nil {
		return err
	}
	logger.Infof("export started: %s (%s%%)", resp.Properties["status"], resp.Properties["progressPercent"])

	for !resp.Completed {
		time.Sleep(100 * time.Millisecond)
		resp, err = application.Chat.GetAsyncStatus(ctx, resp.ID)
		if err != nil {
			return err
		}
		logger.Infof("progress: %s%% %s", resp.Properties["progressPercent"], resp.Properties["status"])
	}
	logger.Infof("report ready: %s", resp.Properties["url"])
	return nil
}
