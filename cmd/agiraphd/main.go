// Command agiraphd runs the Agiraph daemon and a small client front-end for
// it. Exit codes: 0 on normal completion; non-zero only for startup
// failures (missing keys, unparseable config). In-run failures surface as
// events and never exit the process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/wangtian24/agiraph/internal/config"
	"github.com/wangtian24/agiraph/pkg/httpapi"
	"github.com/wangtian24/agiraph/pkg/kernel"
	"github.com/wangtian24/agiraph/pkg/telemetry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var addr string

	root := &cobra.Command{
		Use:           "agiraphd",
		Short:         "Agiraph multi-agent orchestration runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "agiraph.yaml", "optional yaml config overlay")
	root.PersistentFlags().StringVar(&addr, "addr", "", "daemon address (defaults to the configured listen address)")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(agentCmd(&configPath, &addr))
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: agent registry plus the HTTP/WS surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := log.Context(context.Background(), log.WithFormat(log.FormatText))
			tel := telemetry.Bundle{
				Log:     telemetry.NewClueLogger(),
				Metrics: telemetry.NewClueMetrics(),
				Tracer:  telemetry.NewClueTracer(),
			}

			registry := kernel.NewRegistry(cfg, tel, nil)
			server := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: httpapi.New(registry, tel).Handler(),
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				tel.Log.Info(ctx, "shutting down")
				registry.Close(ctx)
				_ = server.Shutdown(ctx)
			}()

			tel.Log.Info(ctx, "listening", "addr", cfg.ListenAddr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func agentCmd(configPath, addr *string) *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents on a running daemon",
	}

	baseURL := func() (string, error) {
		if *addr != "" {
			return "http://" + *addr, nil
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			return "", err
		}
		a := cfg.ListenAddr
		if a != "" && a[0] == ':' {
			a = "127.0.0.1" + a
		}
		return "http://" + a, nil
	}

	var model, mode string
	start := &cobra.Command{
		Use:   "start <goal>",
		Short: "Start a new agent with a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL()
			if err != nil {
				return err
			}
			body, _ := json.Marshal(map[string]string{"goal": args[0], "model": model, "mode": mode})
			return postJSON(base+"/agents", body, cmd.OutOrStdout())
		},
	}
	start.Flags().StringVar(&model, "model", "", "provider/model pair for the coordinator")
	start.Flags().StringVar(&mode, "mode", "finite", "finite or infinite")

	list := &cobra.Command{
		Use:   "list",
		Short: "List live agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL()
			if err != nil {
				return err
			}
			return getJSON(base+"/agents", cmd.OutOrStdout())
		},
	}

	var to string
	send := &cobra.Command{
		Use:   "send <agent-id> <message>",
		Short: "Send a human message to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL()
			if err != nil {
				return err
			}
			body, _ := json.Marshal(map[string]string{"to": to, "content": args[1]})
			return postJSON(base+"/agents/"+args[0]+"/send", body, cmd.OutOrStdout())
		},
	}
	send.Flags().StringVar(&to, "to", "", `recipient (empty = coordinator, "*" = broadcast)`)

	stop := &cobra.Command{
		Use:   "stop <agent-id>",
		Short: "Cooperatively stop an agent, preserving its conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL()
			if err != nil {
				return err
			}
			return postJSON(base+"/agents/"+args[0]+"/stop", nil, cmd.OutOrStdout())
		},
	}

	del := &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Stop and delete an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL()
			if err != nil {
				return err
			}
			req, err := http.NewRequest(http.MethodDelete, base+"/agents/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("daemon returned %s", resp.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		},
	}

	agent.AddCommand(start, list, send, stop, del)
	return agent
}

func postJSON(url string, body []byte, out io.Writer) error {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %s: %s", resp.Status, payload)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

func getJSON(url string, out io.Writer) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}
