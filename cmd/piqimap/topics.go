package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/navapbc/go-piqi/internal/config"
	"github.com/navapbc/go-piqi/internal/infrastructure/redpanda"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func topicsCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the Kafka topics",
	}

	var replication int16
	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create any missing bundle, message, event and dead letter topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, load, func(ctx context.Context, cfg *config.Config, admin *redpanda.Admin, logger *zap.Logger) error {
				created, err := admin.EnsureTopics(ctx, topicsFor(cfg), replication)
				if err != nil {
					return err
				}
				for _, name := range created {
					fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", name)
				}
				logger.Info("topics ensured", zap.Int("created", len(created)))
				return nil
			})
		},
	}
	ensure.Flags().Int16Var(&replication, "replication", 1, "replication factor for new topics")

	list := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, load, func(ctx context.Context, _ *config.Config, admin *redpanda.Admin, _ *zap.Logger) error {
				names, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}

	var group string
	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, load, func(ctx context.Context, cfg *config.Config, admin *redpanda.Admin, _ *zap.Logger) error {
				if group == "" {
					group = cfg.ConsumerGroup
				}
				lags, err := admin.GetConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				topics := make([]string, 0, len(lags))
				for topic := range lags {
					topics = append(topics, topic)
				}
				sort.Strings(topics)
				for _, topic := range topics {
					partitions := make([]int32, 0, len(lags[topic]))
					for p := range lags[topic] {
						partitions = append(partitions, p)
					}
					sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
					for _, p := range partitions {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\n", topic, p, lags[topic][p])
					}
				}
				return nil
			})
		},
	}
	lag.Flags().StringVar(&group, "group", "", "consumer group; defaults to CONSUMER_GROUP")

	cmd.AddCommand(ensure, list, lag)
	return cmd
}

func topicsFor(cfg *config.Config) redpanda.Topics {
	return redpanda.Topics{
		Bundles:    cfg.BundleTopic,
		Messages:   cfg.ResultTopic,
		Events:     cfg.EventTopic,
		DeadLetter: cfg.DeadLetterTopic,
	}
}

func withAdmin(cmd *cobra.Command, load loader, fn func(context.Context, *config.Config, *redpanda.Admin, *zap.Logger) error) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, cfg, admin, logger)
}
