// ABOUTME: Interactive chat client for a running yoda server
// ABOUTME: Sends stdin lines as frames and prints every frame the server returns

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/yoda/internal/comms"
)

type chatOptions struct {
	addr       string
	caFile     string
	insecure   bool
	serverName string
	// replyWait is how long to keep listening after stdin ends.
	replyWait time.Duration
}

const defaultReplyWait = 2 * time.Second

func newChatCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running yoda server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.addr == "" {
				_, cfg, err := loadConfig()
				if err != nil {
					return err
				}
				opts.addr = net.JoinHostPort(cfg.Comms.Host, strconv.Itoa(cfg.Comms.Port))
				if opts.caFile == "" && !opts.insecure {
					opts.caFile = cfg.Comms.CertFile
				}
			}
			return runChat(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "server address (default: comms host and port from config)")
	cmd.Flags().StringVar(&opts.caFile, "ca", "", "PEM file with the certificate to trust (default: comms.cert_file)")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", false, "skip certificate verification")
	cmd.Flags().StringVar(&opts.serverName, "server-name", "", "expected certificate host name")
	cmd.Flags().DurationVar(&opts.replyWait, "reply-wait", defaultReplyWait, "how long to wait for replies once input ends")
	return cmd
}

func runChat(ctx context.Context, opts chatOptions, in io.Reader, out io.Writer) error {
	if opts.insecure {
		color.New(color.FgYellow).Fprintln(out, "warning: certificate verification disabled")
	}

	client, err := comms.Dial(ctx, opts.addr, comms.ClientOptions{
		CAFile:             opts.caFile,
		InsecureSkipVerify: opts.insecure,
		ServerName:         opts.serverName,
	})
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "connected to %s\n", opts.addr)

	recvErr := make(chan error, 1)
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		prefix := color.CyanString("yoda> ")
		for {
			msg, err := client.Receive()
			if err != nil {
				recvErr <- err
				return
			}
			fmt.Fprintln(out, prefix+msg)
		}
	}()
	// The receiver is done writing to out before runChat returns.
	defer func() {
		_ = client.Close()
		<-recvDone
	}()

	sendErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if err := client.Send(sc.Text()); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- sc.Err()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-recvErr:
		return serverClosed(out, err)
	case err := <-sendErr:
		if err != nil {
			return err
		}
	}

	// Input is exhausted. Replies to the last lines may still be in flight.
	timer := time.NewTimer(opts.replyWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case err := <-recvErr:
		return serverClosed(out, err)
	case <-timer.C:
	}
	return nil
}

func serverClosed(out io.Writer, err error) error {
	if errors.Is(err, io.EOF) {
		fmt.Fprintln(out, "server closed the connection")
		return nil
	}
	return err
}
