package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/deskpilot/internal/config"
)

// NewInitCommand returns the onboarding subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Create the deskpilot data directory (~/.deskpilot) with a default config",
		Action: runInit,
	}
}

func runInit(_ context.Context, _ *cli.Command) error {
	root := config.DataPath()
	created := false

	for _, d := range []string{root, config.EventsPath()} {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Printf("  Created %s\n", d)
			created = true
		}
	}

	files := []struct {
		path    string
		content string
		perm    os.FileMode
	}{
		{config.ConfigPath(), defaultConfig, 0o644},
		{config.DotenvPath(), defaultDotenv, 0o600},
	}
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), f.perm); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
		fmt.Printf("  Created %s\n", f.path)
		created = true
	}

	if !created {
		fmt.Printf("%s is already set up. Nothing to do.\n", root)
		return nil
	}

	fmt.Printf(`
  deskpilot is set up in %[1]s

  Next steps:
    1. Put your API key in %[1]s/.env
    2. Point executor.base_url in %[1]s/config.jsonc at the computer-control service
    3. Run: deskpilot gateway
`, root)
	return nil
}

const defaultConfig = `{
	// deskpilot configuration (JSONC)

	"gateway": {
		"host": "127.0.0.1",
		"port": 18430
		// "rate_limit_rpm": 30
	},

	"executor": {
		"base_url": "http://computer-control:9995",
		"timeout": "30s"
	},

	"models": {
		"default": "claude",
		"providers": {
			"claude": {
				"driver": "anthropic",
				"model": "claude-sonnet-4-20250514",
				"auth": {
					"api_key": "${{ .Env.ANTHROPIC_API_KEY }}"
				},
				"max_tokens": 4096,
				"max_concurrent": 1
			}

			// Local model via Ollama (no auth required, no screenshots)
			// "local": {
			// 	"driver": "ollama",
			// 	"model": "qwen2.5vl:7b",
			// 	"base_url": "http://localhost:11434",
			// 	"vision": true
			// }
		}
	},

	"loop": {
		"max_iterations": 50,
		"auto_screenshot": true,
		"display": { "width": 1280, "height": 960 }
	},

	"conversation": {
		"max_messages": 60
	},

	"events": {
		"buffer_size": 1024
	}

	// "schedules": [
	// 	{ "name": "inbox", "cron": "0 9 * * 1-5", "description": "Open the mail client and summarize unread mail" }
	// ]
}
`

const defaultDotenv = `# deskpilot environment variables
# This file is loaded automatically. Existing env vars are never overridden.

# ANTHROPIC_API_KEY=sk-ant-...
# OPENAI_API_KEY=sk-...
# GEMINI_API_KEY=...
# COMPUTER_CONTROL_URL=http://computer-control:9995
`
