package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/sketchdojo-rt/internal/broadcast"
	"github.com/basket/sketchdojo-rt/internal/config"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	job       string
	status    string
	percent   float64
	operation string
	webtoon   string
	errMsg    string
	html      string
	redisURL  string
	prefix    string
}

func publishCmd() *cobra.Command {
	var opts publishOptions
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a task notification to the Redis backplane",
		Long: `Publish a task notification the way a generation worker would.
Every server relaying the backplane forwards it to the job's subscribers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, payload, err := buildNotification(opts)
			if err != nil {
				return err
			}
			if opts.redisURL == "" || opts.prefix == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if opts.redisURL == "" {
					opts.redisURL = cfg.Redis.URL
				}
				if opts.prefix == "" {
					opts.prefix = cfg.Redis.ChannelPrefix
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			rdb, err := broadcast.Dial(ctx, opts.redisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			receivers, err := broadcast.NewRedisPublisher(rdb, opts.prefix).Publish(ctx, kind, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s:%s for job %s to %d relay(s)\n", opts.prefix, kind, opts.job, receivers)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.job, "job", "", "task id (required)")
	f.StringVar(&opts.status, "status", "progress", "progress, completed, failed or webtoon_updated")
	f.Float64Var(&opts.percent, "percent", 0, "progress percentage (progress)")
	f.StringVar(&opts.operation, "operation", "", "current operation (progress)")
	f.StringVar(&opts.webtoon, "webtoon", "", "webtoon id (completed, webtoon_updated)")
	f.StringVar(&opts.errMsg, "error", "", "error message (failed)")
	f.StringVar(&opts.html, "html", "", "rendered html (webtoon_updated)")
	f.StringVar(&opts.redisURL, "redis-url", "", "redis url; defaults to redis.url from config.yaml")
	f.StringVar(&opts.prefix, "prefix", "", "channel prefix; defaults to redis.channel_prefix from config.yaml")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// buildNotification maps command-line options to a backplane kind and payload.
func buildNotification(opts publishOptions) (string, any, error) {
	job := strings.TrimSpace(opts.job)
	if job == "" {
		return "", nil, fmt.Errorf("--job is required")
	}
	switch opts.status {
	case broadcast.StatusProgress:
		if opts.percent < 0 || opts.percent > 100 {
			return "", nil, fmt.Errorf("--percent must be between 0 and 100, got %v", opts.percent)
		}
		return broadcast.KindTaskProgress, broadcast.ProgressPayload{
			TaskID: job, Progress: opts.percent, Message: opts.operation,
		}, nil
	case broadcast.StatusCompleted:
		return broadcast.KindTaskCompleted, broadcast.CompletedPayload{
			TaskID: job, Result: map[string]any{}, WebtoonID: opts.webtoon,
		}, nil
	case broadcast.StatusFailed:
		msg := opts.errMsg
		if msg == "" {
			msg = "task failed"
		}
		return broadcast.KindTaskFailed, broadcast.FailedPayload{TaskID: job, Error: msg}, nil
	case broadcast.StatusWebtoonUpdated:
		if opts.webtoon == "" {
			return "", nil, fmt.Errorf("--webtoon is required for webtoon_updated")
		}
		return broadcast.KindWebtoonUpdated, broadcast.WebtoonPayload{
			TaskID: job, WebtoonID: opts.webtoon, HTMLContent: opts.html,
		}, nil
	default:
		return "", nil, fmt.Errorf("unknown status %q", opts.status)
	}
}
