// Command natscat publishes, subscribes, and issues requests against a
// server from the command line.
//
//	natscat pub orders.created '{"id":41}'
//	natscat sub 'orders.>' --queue workers
//	natscat req time.now '' --timeout 3s
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gonats/nats-client-go/nats"
)

func main() {
	settings := &settings{}

	rootCmd := &cobra.Command{
		Use:           "natscat",
		Short:         "Publish and subscribe from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&settings.url, "url", nats.DefaultURL, "server URL (nats://, tls://, ws://)")
	flags.StringVar(&settings.name, "name", "natscat", "connection name reported to the server")
	flags.StringVar(&settings.user, "user", "", "username for authentication")
	flags.StringVar(&settings.pass, "pass", "", "password for authentication")
	flags.StringVar(&settings.token, "token", "", "authentication token")
	flags.BoolVar(&settings.verbose, "verbose", false, "request per-command acknowledgements")
	flags.DurationVar(&settings.timeout, "timeout", 5*time.Second, "connect timeout")
	flags.StringVar(&settings.contextPath, "context", "", "TOML context file with connection settings")

	rootCmd.AddCommand(
		pubCmd(settings),
		subCmd(settings),
		reqCmd(settings),
		benchCmd(settings),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "natscat: %v\n", err)
		os.Exit(1)
	}
}

func pubCmd(settings *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "pub <subject> [payload]",
		Short: "Publish a message; with no payload argument, read it from stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadFromArgs(args)
			if err != nil {
				return err
			}

			client, err := settings.connect(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Publish(args[0], payload); err != nil {
				return err
			}
			// A ping round trip guarantees the server consumed the publish
			// before the connection drops.
			return client.Ping()
		},
	}
}

func subCmd(settings *settings) *cobra.Command {
	var queue string
	var count int

	cmd := &cobra.Command{
		Use:   "sub <subject>",
		Short: "Subscribe and print messages until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := settings.connect(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			var opts []nats.SubOption
			if queue != "" {
				opts = append(opts, nats.WithQueue(queue))
			}
			if count > 0 {
				opts = append(opts, nats.WithMaxDeliveries(count))
			}

			out := cmd.OutOrStdout()
			received := 0
			if _, err := client.Subscribe(args[0], func(message *nats.Message) error {
				received++
				fmt.Fprintf(out, "[#%d] %s: %s\n", received, message.Subject, message.Payload)
				return nil
			}, opts...); err != nil {
				return err
			}

			if count > 0 {
				return client.Wait(count)
			}

			interrupted := make(chan os.Signal, 1)
			signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
			<-interrupted
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "join a queue group")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many messages (0 = run forever)")
	return cmd
}

func reqCmd(settings *settings) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "req <subject> [payload]",
		Short: "Send a request and print the first reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadFromArgs(args)
			if err != nil {
				return err
			}

			client, err := settings.connect(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.Request(args[0], payload, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply.Payload)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "how long to wait for the reply")
	return cmd
}

func benchCmd(settings *settings) *cobra.Command {
	var count int
	var size int

	cmd := &cobra.Command{
		Use:   "bench <subject>",
		Short: "Publish a batch through the server back to itself and report the rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := settings.connect(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.Subscribe(args[0], func(*nats.Message) error { return nil }); err != nil {
				return err
			}

			payload := bytes.Repeat([]byte("x"), size)
			start := time.Now()
			for i := 0; i < count; i++ {
				if err := client.Publish(args[0], payload); err != nil {
					return err
				}
			}
			if err := client.Wait(count, time.Minute); err != nil {
				return err
			}
			elapsed := time.Since(start)

			fmt.Fprintf(cmd.OutOrStdout(), "%d msgs of %d bytes in %v (%.0f msgs/sec)\n",
				count, size, elapsed.Round(time.Millisecond), float64(count)/elapsed.Seconds())
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 10000, "messages to publish")
	cmd.Flags().IntVar(&size, "size", 128, "payload size in bytes")
	return cmd
}

func payloadFromArgs(args []string) ([]byte, error) {
	if len(args) > 1 {
		return []byte(args[1]), nil
	}
	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	return payload, nil
}
