package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hypercomm/hypercomm/pkg/config"
)

var initForce bool

// sampleConfig is the annotated starter configuration written by init.
const sampleConfig = `# HyperComm configuration
#
# Every key can be overridden with an environment variable:
#   HYPERCOMM_<SECTION>_<KEY>, e.g. HYPERCOMM_LOGGING_LEVEL=DEBUG

logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text or json
  output: stderr     # stdout, stderr, or a file path

metrics:
  enabled: false
  listen: 127.0.0.1:9090

reactor:
  count: 0           # reactor goroutines; 0 = one per CPU core
  poll_interval: 1s  # timer/timeout delivery tolerance

connection:
  send_queue_bytes: 16Mi   # per-connection outbound budget
  max_frame_bytes: 32Mi    # inbound frames above this disconnect the peer
  connect_timeout: 10s
  reconnect_initial: 1s
  reconnect_max: 30s

server:
  listen: 0.0.0.0:38060
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = config.DefaultConfigPath()
		}

		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Printf("Configuration file created at: %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
