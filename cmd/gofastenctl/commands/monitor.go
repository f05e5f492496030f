package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofasten/internal/openprotocol"
)

// monitorDialTimeout bounds the initial TCP connect.
const monitorDialTimeout = 5 * time.Second

func monitorCmd() *cobra.Command {
	var (
		subscribeResults bool
		subscribeVIN     bool
		subscribePset    bool
		resultRev        int
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream controller events over Open Protocol",
		Long: "Connects to the controller's Open Protocol port, starts a session, " +
			"subscribes to the selected streams, and prints every pushed message " +
			"until interrupted (Ctrl+C).",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := net.DialTimeout("tcp", protocolAddr, monitorDialTimeout)
			if err != nil {
				return fmt.Errorf("dial %s: %w", protocolAddr, err)
			}
			defer conn.Close()

			// Close the socket on Ctrl+C so the read loop unblocks.
			go func() {
				<-ctx.Done()
				sendFrame(conn, openprotocol.Frame{MID: openprotocol.MIDStop, Rev: 1})
				conn.Close()
			}()

			if err := sendFrame(conn, openprotocol.Frame{MID: openprotocol.MIDStart, Rev: 1}); err != nil {
				return err
			}
			if subscribeResults {
				if err := sendFrame(conn, openprotocol.Frame{MID: openprotocol.MIDResultSubscribe, Rev: resultRev}); err != nil {
					return err
				}
			}
			if subscribeVIN {
				if err := sendFrame(conn, openprotocol.Frame{MID: openprotocol.MIDVINSubscribe, Rev: 2}); err != nil {
					return err
				}
			}
			if subscribePset {
				if err := sendFrame(conn, openprotocol.Frame{MID: openprotocol.MIDPsetSubscribe, Rev: 2}); err != nil {
					return err
				}
			}

			if err := monitorLoop(conn); err != nil {
				// Context cancellation (Ctrl+C) closes the socket; that
				// is expected, not an error.
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&subscribeResults, "results", true, "subscribe to tightening results")
	cmd.Flags().BoolVar(&subscribeVIN, "vin", false, "subscribe to VIN changes")
	cmd.Flags().BoolVar(&subscribePset, "pset", false, "subscribe to parameter set selection")
	cmd.Flags().IntVar(&resultRev, "result-rev", 1, "requested result revision (1-7)")

	return cmd
}

// monitorLoop reads and prints frames until the connection closes,
// acknowledging pushed messages that require it.
func monitorLoop(conn net.Conn) error {
	var dec openprotocol.Decoder
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if err := printFrames(conn, &dec); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

// printFrames drains complete frames from the decoder, printing each and
// sending the matching acknowledge for pushes that want one.
func printFrames(conn net.Conn, dec *openprotocol.Decoder) error {
	for {
		f, ok, err := dec.Next()
		if err != nil {
			fmt.Printf("! undecodable frame: %v\n", err)
			continue
		}
		if !ok {
			return nil
		}

		fmt.Printf("%s  MID %04d rev %d  %q\n",
			time.Now().Format("15:04:05.000"), f.MID, f.Rev, f.Data)

		if ackMID, wants := pushAck(f); wants {
			data := ""
			if ackMID == openprotocol.MIDAck {
				data = openprotocol.BuildAck(f.MID)
			}
			if err := sendFrame(conn, openprotocol.Frame{MID: ackMID, Rev: 1, Data: data}); err != nil {
				return err
			}
		}
	}
}

// pushAck maps a pushed MID to its acknowledge MID. Pushes flagged
// no-ack want none.
func pushAck(f openprotocol.Frame) (int, bool) {
	if f.NoAck {
		return 0, false
	}
	switch f.MID {
	case openprotocol.MIDResult:
		return openprotocol.MIDResultAck, true
	case openprotocol.MIDVIN:
		return openprotocol.MIDVINAck, true
	case openprotocol.MIDPsetSelected:
		return openprotocol.MIDPsetSelectedAck, true
	case openprotocol.MIDMultiResult:
		return openprotocol.MIDMultiResultAck, true
	case openprotocol.MIDRelayStatus:
		return openprotocol.MIDRelayStatusAck, true
	default:
		return 0, false
	}
}

// sendFrame encodes and writes one frame.
func sendFrame(conn net.Conn, f openprotocol.Frame) error {
	raw, err := openprotocol.EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode MID %04d: %w", f.MID, err)
	}
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("send MID %04d: %w", f.MID, err)
	}
	return nil
}
