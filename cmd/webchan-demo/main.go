// Command webchan-demo runs a gRPC-Web demo service and exercises it
// from the command line: "serve" hosts the test service, "call" makes
// a unary increment call, and "watch" follows a retried number stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/webchan/webchan"
	"github.com/webchan/webchan/grpcweb"
	"github.com/webchan/webchan/webchantesting"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "webchan-demo",
		Short:         "gRPC-Web demo server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), callCmd(), watchCmd())
	return root
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	var (
		addr   string
		useH2C bool
		ratePS float64
		burst  int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the demo service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			codec := webchan.NewJSONCodec(webchantesting.Schema)
			opts := []grpcweb.ServerOption{
				grpcweb.WithLogger(logger),
				grpcweb.WithErrorReporter(grpcweb.ErrorLogReporter(logger)),
			}
			if ratePS > 0 {
				opts = append(opts, grpcweb.WithRateLimit(rate.Limit(ratePS), burst))
			}
			svr := grpcweb.NewServer(webchantesting.Schema, codec, webchan.RequestIDContext{}, opts...)
			if err := webchantesting.NewTestServer().Register(svr); err != nil {
				return err
			}

			var handler http.Handler = svr
			if useH2C {
				handler = h2c.NewHandler(svr, &http2.Server{})
			}
			logger.Info().Str("addr", addr).Bool("h2c", useH2C).Msg("serving")
			return http.ListenAndServe(addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&useH2C, "h2c", false, "serve cleartext HTTP/2 alongside HTTP/1.1")
	cmd.Flags().Float64Var(&ratePS, "rate", 0, "requests per second allowed (0 disables rate limiting)")
	cmd.Flags().IntVar(&burst, "burst", 10, "rate limiter burst size")
	return cmd
}

func newClient(remote string) (*grpcweb.Client, error) {
	baseURL, err := url.Parse(remote)
	if err != nil {
		return nil, fmt.Errorf("bad remote address %q: %w", remote, err)
	}
	return &grpcweb.Client{
		BaseURL:   baseURL,
		Schema:    webchantesting.Schema,
		Codec:     webchan.NewJSONCodec(webchantesting.Schema),
		Connector: webchan.RequestIDContext{},
	}, nil
}

func callCmd() *cobra.Command {
	var (
		remote string
		value  int
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Make a unary increment call",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient(remote)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			msg, err := cli.Invoke(ctx, "increment", &webchantesting.IncrementRequest{Value: value})
			if err != nil {
				return err
			}
			resp := msg.Value.(*webchantesting.IncrementResponse)
			fmt.Printf("increment(%d) = %d\n", value, resp.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "http://localhost:8080", "server base URL")
	cmd.Flags().IntVar(&value, "value", 10, "value to increment")
	return cmd
}

func watchCmd() *cobra.Command {
	var (
		remote  string
		max     int
		sleepMs int
		retries int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a number stream with transparent retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cli, err := newClient(remote)
			if err != nil {
				return err
			}
			req := &webchantesting.StreamNumbersRequest{Max: max, SleepMs: sleepMs}
			s := webchan.RetryStream(func() webchan.Stream {
				return cli.NewStream(context.Background(), "streamNumbers", req)
			}, webchan.RetryOptions{MaxRetries: retries})
			s.Start()
			for ev := range s.Events() {
				switch ev.Type {
				case webchan.EventReady:
					logger.Info().Msg("stream ready")
				case webchan.EventMessage:
					resp := ev.Message.Value.(*webchantesting.StreamNumbersResponse)
					fmt.Println(resp.Counter)
				case webchan.EventRetrying:
					logger.Warn().Err(ev.Err).
						Int("retries", ev.RetriesSinceReady).
						Bool("abandoned", ev.Abandoned).
						Msg("stream failed")
				case webchan.EventComplete:
					logger.Info().Msg("stream complete")
				case webchan.EventError:
					return ev.Err
				case webchan.EventCanceled:
					logger.Info().Msg("stream canceled")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "http://localhost:8080", "server base URL")
	cmd.Flags().IntVar(&max, "max", 10, "number of messages to request")
	cmd.Flags().IntVar(&sleepMs, "sleep-ms", 200, "server-side delay between messages")
	cmd.Flags().IntVar(&retries, "retries", 3, "retries allowed since the last ready (-1 for unbounded)")
	return cmd
}
