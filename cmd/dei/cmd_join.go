package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixperk/deisync/agent"
	"github.com/pixperk/deisync/client"
	"github.com/pixperk/deisync/registry"
	"github.com/pixperk/deisync/types"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the shared orbit as a participant",
	Long: `Connects to the server stream and keeps a preview ring on a free slot.

Commands on stdin:
  <enter>          shoot the previewed ring
  photo <path>     shoot the previewed ring with a photo attached
  preview          pick a free slot to preview (needed when
                   commit.auto_speculate is off)
  status           print the session state
  quit             leave`,
	Args: cobra.NoArgs,
	RunE: runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	c, err := client.New(cfg.Server.BaseURL,
		client.WithStreamPath(cfg.Server.WSPath),
		client.WithLogger(logger.Named("client")))
	if err != nil {
		return err
	}
	a, err := agent.New(c, agent.Options{
		Identity:       cfg.User,
		Capacity:       cfg.Capacity,
		Radius:         cfg.Orbit.Radius,
		Scale:          cfg.Orbit.Scale,
		Palette:        cfg.Orbit.Palette,
		ConfirmTimeout: cfg.GetConfirmTimeout(),
		RequestTimeout: cfg.GetRequestTimeout(),
		AutoSpeculate:  cfg.Commit.AutoSpeculate,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	cancel := a.Registry().Subscribe(func(ch registry.Change) {
		fmt.Fprintf(out, "[RING] %-10s v%d rings=%d/%d\n", ch.Op, ch.Version, len(ch.Rings), cfg.Capacity)
	})
	defer cancel()

	ctx, quit := context.WithCancel(ctx)
	defer quit()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-a.Ready():
			fmt.Fprintf(out, "[JOIN] user=%s server=%s\n", cfg.User, cfg.Server.BaseURL)
		case <-gctx.Done():
			return nil
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok || line == "quit" {
					quit()
					return nil
				}
				handleLine(gctx, a, out, line)
			}
		}
	})
	return g.Wait()
}

func handleLine(ctx context.Context, a *agent.Agent, out io.Writer, line string) {
	switch {
	case line == "":
		shoot(ctx, a, out, nil)
	case strings.HasPrefix(line, "photo "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "photo "))
		payload, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "[PHOTO] %v\n", err)
			return
		}
		shoot(ctx, a, out, payload)
	case line == "preview":
		ring, err := a.Speculate(ctx)
		if err != nil {
			fmt.Fprintf(out, "[PREVIEW] %v\n", err)
			return
		}
		fmt.Fprintf(out, "[PREVIEW] %s\n", describe(&ring))
	case line == "status":
		st, err := a.Status(ctx)
		if err != nil {
			return
		}
		fmt.Fprintf(out, "[STATUS] state=%s loaded=%t rings=%d preview=%s\n",
			st.State, st.Loaded, len(st.Rings), describe(st.Speculative))
	default:
		fmt.Fprintf(out, "unknown command %q\n", line)
	}
}

func shoot(ctx context.Context, a *agent.Agent, out io.Writer, payload []byte) {
	if err := a.Shoot(ctx, payload); err != nil {
		logger.Warn("shoot failed", zap.Error(err))
		fmt.Fprintf(out, "[SHOOT] %v\n", err)
		return
	}
	fmt.Fprintln(out, "[SHOOT] sent, waiting for confirmation")
}

func describe(r *types.Ring) string {
	if r == nil {
		return "none"
	}
	return fmt.Sprintf("slot=%d color=%s", r.SlotIndex, r.Color)
}
