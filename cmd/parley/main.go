package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parley-dev/parley/agent"
	"github.com/parley-dev/parley/agent/terminal"
	"github.com/parley-dev/parley/config"
	"github.com/parley-dev/parley/llm"
	"github.com/parley-dev/parley/logging"
	"github.com/parley-dev/parley/session"
	"github.com/parley-dev/parley/shell"
	"github.com/parley-dev/parley/tools"
)

func main() {
	sessionFlag := flag.String("s", "", "Session name to create")
	resumeFlag := flag.String("r", "", "Resume a session by name")
	toolsetFlag := flag.String("t", "", "Toolset to use (defaults to 'default')")
	llmFlag := flag.String("llm", "", "Override the configured provider (anthropic, openai, gemini, bedrock, mock)")
	modelFlag := flag.String("model", "", "Override the configured model")
	listFlag := flag.Bool("list", false, "List stored sessions and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *llmFlag != "" {
		cfg.LLMClient = *llmFlag
	}
	if *modelFlag != "" {
		cfg.Model = *modelFlag
	}

	if err := logging.Init(logging.Options{Debug: cfg.Logging.Debug, Dir: cfg.Logging.Dir}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %+v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	store, err := session.NewFileStore("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening session store: %+v\n", err)
		os.Exit(1)
	}

	if *listFlag {
		listSessions(store)
		return
	}

	var sess *session.Session
	if *resumeFlag != "" {
		sess, err = store.Load(*resumeFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session '%s': %+v\n", *resumeFlag, err)
			os.Exit(1)
		}
		if sess.Status == session.StatusPaused {
			if err := sess.Resume(); err != nil {
				fmt.Fprintf(os.Stderr, "Error resuming session '%s': %+v\n", *resumeFlag, err)
				os.Exit(1)
			}
		}
		if sess.Status != session.StatusActive {
			fmt.Fprintf(os.Stderr, "Session '%s' is %s and cannot accept input.\n", sess.Name, sess.Status)
			os.Exit(1)
		}
		if *toolsetFlag == "" {
			*toolsetFlag = sess.Toolset
		}
		fmt.Printf("Resuming session: %s\n", sess.Name)
	} else {
		name := *sessionFlag
		if name == "" {
			name = defaultSessionName()
		}
		sess = session.New(name, store)
		fmt.Printf("Starting new session: %s\n", name)
	}

	ctx := context.Background()

	var client llm.LLMClient
	switch cfg.LLMClient {
	case "gemini":
		client, err = llm.NewGeminiLLMClient(ctx, cfg.Model)
	case "openai":
		client, err = llm.NewOpenAILLMClient(ctx, cfg.Model)
	case "bedrock":
		client, err = llm.NewBedrockLLMClient(ctx, cfg.Model)
	case "anthropic":
		client, err = llm.NewAnthropicLLMClient(ctx, cfg.Model)
	default:
		client = &llm.MockLLMClient{}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing %s client: %+v\n", cfg.LLMClient, err)
		os.Exit(1)
	}

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error determining working directory: %+v\n", err)
		os.Exit(1)
	}
	gate := shell.NewGate(shell.Options{
		AllowedCommands: cfg.Shell.AllowedCommands,
		TimeoutSeconds:  cfg.Shell.TimeoutSeconds,
		HistorySize:     cfg.Shell.HistorySize,
		Workdir:         wd,
	})

	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{
		tools.NewReadFileTool(&cfg.FilesystemAccess),
		tools.NewWriteFileTool(&cfg.FilesystemAccess),
		tools.NewListDirTool(&cfg.FilesystemAccess),
		tools.NewRunCommandTool(gate),
	} {
		if err := registry.Register(t); err != nil {
			fmt.Fprintf(os.Stderr, "Error registering tool: %+v\n", err)
			os.Exit(1)
		}
	}
	if err := registry.StartMCPServers(ctx, cfg.AdditionalMCPServers); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting MCP servers: %+v\n", err)
		os.Exit(1)
	}
	defer registry.StopMCPServers()

	a, err := agent.New(cfg, sess, *toolsetFlag, client, registry, gate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing agent: %+v\n", err)
		os.Exit(1)
	}

	initialPrompt := strings.Join(flag.Args(), " ")
	fmt.Println("Parley is ready. Type your prompt, or /quit to leave.")
	term := terminal.New(a)
	if err := term.Run(ctx, initialPrompt); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

func listSessions(store *session.FileStore) {
	sessions, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %+v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("No stored sessions.")
		return
	}
	for _, m := range sessions {
		fmt.Printf("%-30s %-10s %4d messages  %s\n",
			m.Name, m.Status, m.MessageCount, m.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "parley"
	}
	return fmt.Sprintf("%s_%s", filepath.Base(wd), time.Now().Format("2006-01-02_15-04-05"))
}
