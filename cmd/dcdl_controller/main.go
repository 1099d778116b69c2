package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// BuildDate can be set at build time via ldflags
var (
	CurrentVersion = "0.1.0"
	BuildDate      = "unknown"

	BinaryName = "dcdl_controller"
)

var (
	configDir string
	envFile   string
	runTag    string
)

var rootCmd = &cobra.Command{
	Use:   BinaryName,
	Short: "Dynamic CAV-dedicated lane controller for a microscopic traffic engine.",
	Long: `dcdl_controller steps a traffic engine through its websocket relay, ` +
		`reallocates the controlled lanes every decision cycle and arbitrates ` +
		`lane changes of vehicles inside the corridor.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// a missing .env is fine; a malformed one is not
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runController(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one controlled simulation (the default command)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runController(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the controller version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s (built %s)\n", BinaryName, CurrentVersion, BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory containing "+BinaryName+".cfg.json")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file with DCDL_* overrides")
	rootCmd.PersistentFlags().StringVar(&runTag, "tag", "", "free-form tag stored with the run")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
