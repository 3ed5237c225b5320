package main

import (
	"errors"
	"fmt"
	"net"

	datadash "github.com/Project-Bois/DataDash-codes"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type SendFlags struct {
	To       string
	Folder   bool
	Password string
	Encrypt  bool
}

var sendFlags SendFlags

var sendCmd = &cobra.Command{
	Use:   "send [flags] path...",
	Short: "Send files or a folder to a receiver",
	Long: `Send files or one folder to a receiver. This will:

1. Find the receiver, by discovery when --to is a name
2. Exchange capability descriptors to pick the transfer variant
3. Write the manifest of the selection
4. Stream the manifest and every item, then halt

Encryption follows the configuration unless --encrypt is given.`,
	Args: cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateSendFlags(cmd, &sendFlags, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(cmd, &sendFlags, args)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendFlags.To, "to", "t", "", "receiver address or discovered name (required)")
	sendCmd.Flags().BoolVar(&sendFlags.Folder, "folder", false, "send a single folder with its structure")
	sendCmd.Flags().StringVar(&sendFlags.Password, "password", "", "encryption password")
	sendCmd.Flags().BoolVar(&sendFlags.Encrypt, "encrypt", false, "encrypt items (overrides the configuration)")

	_ = sendCmd.MarkFlagRequired("to")
}

func validateSendFlags(cmd *cobra.Command, flags *SendFlags, args []string) error {
	if flags.To == "" {
		return fmt.Errorf("receiver is required")
	}
	if flags.Folder && len(args) != 1 {
		return datadash.ErrFolderSelection
	}
	if cmd.Flags().Changed("encrypt") {
		cfg.Encryption = flags.Encrypt
	}
	if cfg.Encryption && flags.Password == "" {
		return errors.New("encryption is enabled: --password is required")
	}
	return nil
}

func runSend(cmd *cobra.Command, flags *SendFlags, paths []string) error {
	ctx, cancel := createContext()
	defer cancel()

	opts := datadash.NewOptions(cfg)
	opts.Password = flags.Password
	sender := datadash.NewSender(opts)

	addr := flags.To
	if net.ParseIP(addr) == nil {
		d, err := sender.Discover()
		if err != nil {
			return err
		}
		fmt.Printf("Searching for %s...\n", flags.To)
		c, err := d.WaitFor(ctx, flags.To)
		if err != nil {
			return err
		}
		addr = c.Address
		fmt.Printf("Found %s at %s\n", c.DisplayName, c.Address)
	}

	m, err := sender.BuildManifest(paths, flags.Folder)
	if err != nil {
		return err
	}

	sess, res, err := sender.Connect(ctx, addr)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "runSend",
		"peer_os":  res.Peer.OS,
		"variant":  res.Variant.Name,
		"files":    m.FileCount(),
	}).Debug("Starting transfer")

	ui := newProgressUI()
	done := make(chan struct{})
	events := sess.Events()
	go func() {
		ui.consume(events)
		close(done)
	}()

	report, err := sess.Run(ctx, m)
	<-done
	if report != nil {
		showReport(report)
	}
	return err
}
