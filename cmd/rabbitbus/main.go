package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/rabbitbus"
	"github.com/glimte/rabbitbus/config"
	rabbitmqTransport "github.com/glimte/rabbitbus/transports/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		rabbitURL  string
	)

	rootCmd := &cobra.Command{
		Use:   "rabbitbus",
		Short: "Send and serve events and commands over RabbitMQ",
		Long: `rabbitbus publishes topic-routed events and runs request/reply commands
on a RabbitMQ topic exchange.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", "", "RabbitMQ connection URL (overrides config)")

	connect := func() (*rabbitbus.Client, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		if rabbitURL != "" {
			cfg.Broker.URL = rabbitURL
		}
		client, err := rabbitbus.NewClientFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		return client, nil
	}

	// Serve command
	var (
		serveQueue  string
		eventsQueue string
		eventsTopic string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the fib command and log events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := rabbitbus.Handle(ctx, client, serveQueue, "fib", fibCommand); err != nil {
				return fmt.Errorf("failed to register fib: %w", err)
			}
			if err := client.Subscribe(ctx, eventsQueue, eventsTopic, logEvent(cmd.OutOrStdout())); err != nil {
				return fmt.Errorf("failed to subscribe to events: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s/fib and logging %s on %s. Press Ctrl+C to stop\n",
				serveQueue, eventsTopic, eventsQueue)
			<-ctx.Done()
			return nil
		},
	}
	serveCmd.Flags().StringVar(&serveQueue, "queue", "calc", "Command queue")
	serveCmd.Flags().StringVar(&eventsQueue, "events-queue", "events", "Event queue")
	serveCmd.Flags().StringVar(&eventsTopic, "topic", "#", "Event pattern to log")

	// Call command
	var (
		callQueue   string
		callKey     string
		callValue   int
		callTimeout time.Duration
	)
	callCmd := &cobra.Command{
		Use:   "call",
		Short: "Send a command and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := rabbitbus.Call[json.RawMessage](ctx, client, callValue, callQueue, callKey, callTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}
	callCmd.Flags().StringVarP(&callQueue, "queue", "q", "calc", "Command queue")
	callCmd.Flags().StringVarP(&callKey, "key", "k", "fib", "Command key")
	callCmd.Flags().IntVar(&callValue, "value", 10, "Integer argument")
	callCmd.Flags().DurationVarP(&callTimeout, "timeout", "t", 2*time.Second, "Reply timeout")

	// Publish command
	var (
		publishKey  string
		publishData string
	)
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a JSON event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(publishData)) {
				return fmt.Errorf("--data must be valid JSON")
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.SendEvent(ctx, json.RawMessage(publishData), publishKey); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s\n", publishKey)
			return nil
		},
	}
	publishCmd.Flags().StringVarP(&publishKey, "key", "k", "", "Routing key")
	publishCmd.Flags().StringVarP(&publishData, "data", "d", "{}", "JSON payload")
	_ = publishCmd.MarkFlagRequired("key")

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Connect and print the broker health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			checker, ok := client.Broker().(healthChecker)
			if !ok {
				return fmt.Errorf("broker does not report health")
			}
			if err := client.Broker().EnsureConnection(ctx); err != nil {
				return err
			}

			result := checker.Check(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if result.Status == rabbitmqTransport.StatusUnhealthy {
				return fmt.Errorf("broker is %s: %s", result.Status, result.Message)
			}
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, callCmd, publishCmd, healthCmd)
	return rootCmd
}

type healthChecker interface {
	Check(ctx context.Context) rabbitmqTransport.CheckResult
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
