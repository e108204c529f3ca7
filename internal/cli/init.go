package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/thruflo/ember/internal/config"
)

func newInitCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the .ember/ directory",
		Long: `Creates the .ember/ directory with default configuration.

This command sets up:
  - config.yaml with run limits, context budgets and model settings
  - .env placeholder for the model API key (gitignored)
  - tasks/ for task state`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir := flags.project
			if projectDir == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current directory: %w", err)
				}
				projectDir = cwd
			}
			return runInit(cmd, projectDir, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config.yaml")
	return cmd
}

func runInit(cmd *cobra.Command, projectDir string, force bool) error {
	emberDir := filepath.Join(projectDir, config.Dir)
	configPath := filepath.Join(emberDir, "config.yaml")

	if fileExists(configPath) && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(filepath.Join(emberDir, "tasks"), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", emberDir, err)
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(projectDir, &cfg); err != nil {
		return err
	}

	envPath := filepath.Join(emberDir, ".env")
	if !fileExists(envPath) {
		if err := os.WriteFile(envPath, []byte(envTemplate), 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", envPath, err)
		}
	}
	if err := os.WriteFile(filepath.Join(emberDir, ".gitignore"), []byte(gitignoreTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write .gitignore: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s/ in %s\n", config.Dir, projectDir)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

const envTemplate = `# Model credentials (gitignored)
OPENAI_API_KEY=
`

const gitignoreTemplate = `# Credentials
.env
`
