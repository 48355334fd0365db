package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hypercomm/hypercomm/internal/logger"
	"github.com/hypercomm/hypercomm/pkg/comm"
	"github.com/hypercomm/hypercomm/pkg/config"
	"github.com/hypercomm/hypercomm/pkg/serialization"
)

var (
	pingCount   int
	pingTimeout time.Duration
	pingMessage string
)

var pingCmd = &cobra.Command{
	Use:   "ping <host:port>",
	Short: "Round-trip a message through an echo server",
	Args:  cobra.ExactArgs(1),
	RunE:  runPing,
}

func init() {
	pingCmd.Flags().IntVar(&pingCount, "count", 1, "number of round trips")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", time.Second, "per-request timeout")
	pingCmd.Flags().StringVar(&pingMessage, "message", "hello", "payload to send")
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}

	peer := args[0]
	c := comm.New(cfg.CommOptions())
	defer c.Shutdown()

	if err := c.Connect(peer, cfg.Connection.ConnectTimeout, comm.DispatchHandlerFunc(func(*comm.Event) {})); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", peer, err)
	}

	for i := 0; i < pingCount; i++ {
		frame := comm.NewFrame(comm.ProtocolNone, serialization.EncodedVstrLen(pingMessage))
		frame.AppendVstr(pingMessage)

		sync := comm.NewDispatchHandlerSynchronizer()
		start := time.Now()
		if err := c.SendRequest(peer, pingTimeout, frame, sync); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		event, err := sync.WaitForReply()
		if err != nil {
			return fmt.Errorf("round trip %d failed: %w", i+1, err)
		}

		reply, err := serialization.NewDecoder(event.Payload).Vstr()
		if err != nil {
			return fmt.Errorf("round trip %d: undecodable reply: %w", i+1, err)
		}
		fmt.Printf("reply %d/%d from %s: %q in %.2fms\n",
			i+1, pingCount, peer, reply, logger.Duration(start))
	}
	return nil
}
