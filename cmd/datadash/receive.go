package main

import (
	"errors"
	"fmt"
	"os"

	datadash "github.com/Project-Bois/DataDash-codes"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type ReceiveFlags struct {
	Dest     string
	Name     string
	Password string
	Once     bool
}

var receiveFlags ReceiveFlags

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Wait for senders and save what they send",
	Long: `Answer discovery probes and handshakes, then save incoming transfers.

Folders are recreated under --dest; existing files are never overwritten.
Encrypted items are decrypted when --password matches the sender's.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateReceiveFlags(&receiveFlags)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReceive(&receiveFlags)
	},
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().StringVarP(&receiveFlags.Dest, "dest", "d", ".", "directory to save received items in")
	receiveCmd.Flags().StringVar(&receiveFlags.Name, "name", "", "name announced to senders (default: device_name)")
	receiveCmd.Flags().StringVar(&receiveFlags.Password, "password", "", "password for encrypted items")
	receiveCmd.Flags().BoolVar(&receiveFlags.Once, "once", false, "exit after one transfer")
}

func validateReceiveFlags(flags *ReceiveFlags) error {
	info, err := os.Stat(flags.Dest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("destination %q does not exist", flags.Dest)
		}
		return fmt.Errorf("cannot access destination %q: %w", flags.Dest, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination %q is not a directory", flags.Dest)
	}
	if flags.Name != "" {
		cfg.DeviceName = flags.Name
	}
	return nil
}

func runReceive(flags *ReceiveFlags) error {
	ctx, cancel := createContext()
	defer cancel()

	opts := datadash.NewOptions(cfg)
	opts.Dest = flags.Dest
	opts.Password = flags.Password

	r := datadash.NewReceiver(opts)
	if err := r.Start(); err != nil {
		return err
	}
	defer r.Close()

	fmt.Printf("Receiving as %q into %s (Ctrl-C to stop)\n", cfg.DeviceName, flags.Dest)
	for {
		got, err := r.ReceiveOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runReceive",
				"error":    err.Error(),
			}).Error("Transfer failed")
			if flags.Once || errors.Is(err, datadash.ErrListen) {
				return err
			}
			continue
		}
		showReceived(got)
		if flags.Once {
			return nil
		}
	}
}
