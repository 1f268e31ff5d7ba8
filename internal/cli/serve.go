package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/azharlabs/papert-claw/internal/agent"
	"github.com/azharlabs/papert-claw/internal/dispatch"
	"github.com/azharlabs/papert-claw/internal/queue"
	"github.com/azharlabs/papert-claw/internal/runtime"
	"github.com/azharlabs/papert-claw/internal/sched"
	"github.com/azharlabs/papert-claw/internal/server"
	"github.com/azharlabs/papert-claw/internal/storage"
	"github.com/azharlabs/papert-claw/pkg/logger"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the papert-claw daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Agent.MinVersion != "" {
		v, err := runtime.CheckVersion(ctx, cfg.Agent.Command, cfg.Agent.MinVersion)
		if err != nil {
			return err
		}
		logger.Info().Str("command", cfg.Agent.Command).Str("version", v).Msg("agent runtime ready")
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	rt := runtime.NewCLI(cfg.Agent.Command)
	queues := queue.NewManager(0)
	runner := agent.NewRunner(rt, cfg.Agent)
	hub := server.NewHub()

	runner.AddObserver(func(ev agent.RunEvent) {
		rec := storage.RunRecord{
			RunID:     ev.RunID,
			ChannelID: ev.ChannelID,
			Workspace: ev.Workspace,
			SessionID: ev.SessionID,
			Duration:  ev.Duration,
			Uploads:   ev.Uploads,
			Err:       ev.Err,
		}
		if err := store.RecordRun(context.Background(), rec); err != nil {
			logger.Warn().Err(err).Msg("record run failed")
		}
		hub.Broadcast(struct {
			Kind string `json:"kind"`
			agent.RunEvent
		}{Kind: "run", RunEvent: ev})
	})

	var bridge *sched.Bridge
	if cfg.Scheduler.Enabled {
		bridge = sched.NewBridge(rt, cfg.Agent, func(route sched.Route, text string) error {
			// The platform connector subscribed to the event feed performs
			// the actual channel post.
			hub.Broadcast(struct {
				Kind  string      `json:"kind"`
				Route sched.Route `json:"route"`
				Text  string      `json:"text"`
			}{Kind: "job_notification", Route: route, Text: text})
			logger.Info().Str("channel", route.ChannelID).Msg("scheduled-job notification dispatched")
			return nil
		})
		bridge.AddObserver(func(n sched.Notice) {
			rec := storage.JobRecord{
				Workspace: n.Workspace,
				JobID:     n.Job.JobID,
				Action:    n.Job.Action,
				Status:    n.Job.Status,
				Detail:    n.Job.Summary,
			}
			if err := store.RecordJobEvent(context.Background(), rec); err != nil {
				logger.Warn().Err(err).Msg("record job event failed")
			}
		})
		if err := bridge.StartSync(cfg.Scheduler.SyncSchedule); err != nil {
			return err
		}

		bs := sched.NewBootstrap(cfg.Workspaces.Root, bridge)
		if err := bs.Start(ctx); err != nil {
			return err
		}
		defer bs.Close()
	}

	dispatcher := dispatch.New(cfg.Workspaces.Root, queues, runner, bridge)

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg.Server.Addr(), func(ctx context.Context) (server.Status, error) {
			st := server.Status{
				Version:        Version,
				ActiveChannels: queues.Channels(),
			}
			if bridge != nil {
				st.SchedulerWorkspaces = bridge.Workspaces()
			}
			runs, err := store.RecentRuns(ctx, 20)
			if err != nil {
				return server.Status{}, err
			}
			st.RecentRuns = runs
			return st, nil
		}, func(ctx context.Context, req server.MessageRequest) (any, error) {
			return dispatcher.Handle(ctx, dispatch.Message{
				ChannelID:   req.ChannelID,
				ThreadTS:    req.ThreadTS,
				DM:          req.DM,
				Text:        req.Text,
				Attachments: req.Attachments,
				Deliver: func(text string) error {
					hub.Broadcast(struct {
						Kind      string `json:"kind"`
						ChannelID string `json:"channel_id"`
						Text      string `json:"text"`
					}{Kind: "assistant", ChannelID: req.ChannelID, Text: text})
					return nil
				},
			})
		}, hub)
		if err := srv.Start(); err != nil {
			return err
		}
	}

	logger.Info().Str("workspaces", cfg.Workspaces.Root).Msg("papert-claw running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server shutdown failed")
		}
	}
	if err := queues.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("queue shutdown incomplete")
	}
	if bridge != nil {
		bridge.StopAll()
	}
	return nil
}
