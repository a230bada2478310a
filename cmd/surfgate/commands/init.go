package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surfgate/surfgate/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample surfgate configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/surfgate/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  surfgate init

  # Initialize with custom path
  surfgate init --config /etc/surfgate/config.yaml

  # Force overwrite existing config
  surfgate init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set the remote endpoint and session tokens in the config file")
	fmt.Println("  2. Start the gateway with: surfgate start")
	fmt.Printf("  3. Or specify custom config: surfgate start --config %s\n", configPath)

	return nil
}
