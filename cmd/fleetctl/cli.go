package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nixpig/queuefleet/internal/pidfile"
	"github.com/nixpig/queuefleet/internal/sigrouter"
	"github.com/nixpig/queuefleet/internal/tlsconfig"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

// TODO: Inject version at build time.
const version = "0.0.1"

const (
	defaultPidFile = "queuefleet.pid"
	defaultTimeout = 5 * time.Second

	// healthService must match the service name queuefleet registers.
	healthService = "queuefleet"
)

var (
	errNotRunning = errors.New("supervisor not running")
	errNotServing = errors.New("supervisor not serving")
)

type cli struct {
	tls tlsconfig.Config
}

func newCLI() *cli {
	return &cli{}
}

// dial connects to the health endpoint, with mutual TLS when a client
// certificate was given.
func (c *cli) dial(address string) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()

	if c.tls.Enabled() {
		tlsConfig, err := tlsconfig.Setup(&c.tls)
		if err != nil {
			return nil, err
		}

		creds = credentials.NewTLS(tlsConfig)
	}

	return grpc.NewClient(address, grpc.WithTransportCredentials(creds))
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:          "fleetctl",
		Short:        "CLI for inspecting and signalling a queuefleet supervisor",
		Version:      version,
		SilenceUsage: true,
	}

	command.AddCommand(
		c.statusCmd(),
		c.stopCmd(),
		c.signalCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	var (
		address string
		asJSON  bool
		timeout time.Duration
	)

	command := &cobra.Command{
		Use:   "status [flags]",
		Short: "Query the health of a running supervisor",
		Example: "  fleetctl status --address localhost:7433\n" +
			"  fleetctl status --address unix:///run/queuefleet.sock --json",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := c.dial(address)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := healthpb.NewHealthClient(conn).Check(
				ctx,
				&healthpb.HealthCheckRequest{Service: healthService},
			)
			if err != nil {
				return mapError(err)
			}

			if asJSON {
				data, err := protojson.Marshal(resp)
				if err != nil {
					return fmt.Errorf("marshal status: %w", err)
				}

				cmd.OutOrStdout().Write(append(data, '\n'))
			} else {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

				fmt.Fprintf(w, "ADDRESS\tSTATUS\n")
				fmt.Fprintf(w, "%s\t%s\n", address, resp.GetStatus())

				w.Flush()
			}

			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return errNotServing
			}

			return nil
		},
	}

	command.Flags().StringVar(
		&address,
		"address",
		"",
		"Supervisor health address, host:port or unix:///path",
	)
	command.MarkFlagRequired("address")

	command.Flags().BoolVar(&asJSON, "json", false, "Print the response as JSON")

	command.Flags().DurationVar(
		&timeout,
		"timeout",
		defaultTimeout,
		"Time to wait for the supervisor to respond",
	)

	command.Flags().StringVar(
		&c.tls.CertPath,
		"cert-path",
		"",
		"Path to client TLS certificate",
	)

	command.Flags().StringVar(
		&c.tls.KeyPath,
		"key-path",
		"",
		"Path to client TLS private key",
	)

	command.Flags().StringVar(
		&c.tls.CACertPath,
		"ca-cert-path",
		"",
		"Path to CA certificate for mTLS",
	)

	command.Flags().StringVar(
		&c.tls.ServerName,
		"server-name",
		"localhost",
		"Name to verify the health endpoint certificate against",
	)

	return command
}

func (c *cli) stopCmd() *cobra.Command {
	var pidFile string

	command := &cobra.Command{
		Use:     "stop [flags]",
		Short:   "Gracefully stop a running supervisor and its workers",
		Example: "  fleetctl stop --pid-file /run/queuefleet.pid",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalSupervisor(pidFile, syscall.SIGTERM)
		},
	}

	command.Flags().StringVar(&pidFile, "pid-file", defaultPidFile, "Supervisor pid file")

	return command
}

func (c *cli) signalCmd() *cobra.Command {
	var pidFile string

	command := &cobra.Command{
		Use:   "signal [flags] SIGNAL",
		Short: "Send a signal to a running supervisor",
		Long: "Send a signal to a running supervisor. Forward signals, such as\n" +
			"SIGTTIN or SIGUSR1 by default, are relayed to every worker.",
		Example: "  fleetctl signal --pid-file /run/queuefleet.pid TTIN",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := sigrouter.Parse(args[0])
			if err != nil {
				return err
			}

			return signalSupervisor(pidFile, sig)
		},
	}

	command.Flags().StringVar(&pidFile, "pid-file", defaultPidFile, "Supervisor pid file")

	return command
}

func signalSupervisor(pidFile string, sig os.Signal) error {
	pid, err := pidfile.Read(pidFile)
	if err != nil {
		if errors.Is(err, pidfile.ErrNoPid) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %w", errNotRunning, err)
		}

		return err
	}

	ok, err := sigrouter.Signal(pid, sig)
	if err != nil {
		return err
	}

	if !ok {
		return errNotRunning
	}

	return nil
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return errors.New("health service not found")
	case codes.Unavailable:
		return errNotRunning
	case codes.DeadlineExceeded:
		return errors.New("timed out waiting for supervisor")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}
