// init.go implements the "testroom init" command.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/testroom-dev/testroom/internal/config"
	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/session"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize testroom in a directory",
	Long: `Create the .testroom/ directory with a default config.yaml, the
session database and an empty audit log. Secrets are not written here; they
are read from the secrets directory at runtime.`,
	RunE: runInit,
}

var forceFlag bool

func init() {
	initCmd.Flags().BoolVar(&forceFlag, "force", false, "Overwrite an existing config without asking")
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir := config.DataDir(rootDir)
	configPath := filepath.Join(dataDir, "config.yaml")

	if _, statErr := os.Stat(configPath); statErr == nil && !forceFlag {
		fmt.Printf("Warning: %s already exists.\n", configPath)
		fmt.Print("Overwrite with defaults? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if secretsDir != "" {
		cfg.SecretsDir = secretsDir
	}
	if err := config.WriteConfig(rootDir, cfg); err != nil {
		return err
	}

	store, err := session.NewStore(filepath.Join(dataDir, dbFile))
	if err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}
	if _, err := log.NewLogger(dataDir); err != nil {
		return err
	}

	fmt.Printf("Initialized %s\n", dataDir)
	fmt.Println("Next: put secrets (AWS_REGION, DB_HOST, GUACAMOLE_SERVER, ...) in the secrets directory, then run 'testroom serve'.")
	return nil
}
