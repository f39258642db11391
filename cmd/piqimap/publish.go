package main

import (
	"context"
	"fmt"
	"io"

	"github.com/navapbc/go-piqi/internal/domain/mapping"
	"github.com/navapbc/go-piqi/internal/fhir/r4"
	"github.com/navapbc/go-piqi/internal/infrastructure/postgres"
	"github.com/navapbc/go-piqi/internal/infrastructure/redpanda"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func publishCmd(load loader) *cobra.Command {
	var fhirVersion string

	cmd := &cobra.Command{
		Use:   "publish [files...]",
		Short: "Send bundle files to the bundle topic for the mapping worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if fhirVersion == "" {
				fhirVersion = cfg.FHIRVersion
			}
			records, err := bundleRecords(cfg.BundleTopic, fhirVersion, args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			producerCfg := redpanda.DefaultProducerConfig()
			producerCfg.Brokers = cfg.KafkaBrokers
			producer, err := redpanda.NewProducer(producerCfg, logger)
			if err != nil {
				return err
			}
			defer producer.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := producer.ProduceBatch(ctx, records); err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", rec.Topic, rec.Key)
			}
			logger.Info("bundles published", zap.Int("count", len(records)), zap.String("topic", cfg.BundleTopic))
			return nil
		},
	}
	cmd.Flags().StringVar(&fhirVersion, "fhir-version", "", "FHIR version header for the bundles")
	return cmd
}

// bundleRecords reads and checks every bundle before anything is sent. The
// record key is the bundle id, or the file name when the bundle has none.
func bundleRecords(topic, fhirVersion string, files []string, stdin io.Reader) ([]*redpanda.Record, error) {
	if len(files) == 0 {
		files = []string{"-"}
	}
	records := make([]*redpanda.Record, 0, len(files))
	for _, name := range files {
		src, err := readSource(name, stdin)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		bundle, err := r4.DecodeBundle(src.data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		key := bundle.ID
		if key == "" {
			key = name
		}
		headers := map[string]string{redpanda.HeaderBundleID: bundle.ID}
		if fhirVersion != "" {
			headers[redpanda.HeaderFHIRVersion] = fhirVersion
		}
		records = append(records, &redpanda.Record{Topic: topic, Key: key, Value: src.data, Headers: headers})
	}
	return records, nil
}

func failuresCmd(load loader) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List the most recent failed mapping jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := postgres.Connect(ctx, cfg.DatabaseURL, 1)
			if err != nil {
				return err
			}
			defer pool.Close()

			events, err := mapping.NewRepository(pool, logger).GetEventsByType(ctx, mapping.EventMappingFailed, limit)
			if err != nil {
				return fmt.Errorf("load failures: %w", err)
			}
			return writeFailures(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of failures to show")
	return cmd
}

// writeFailures prints one tab separated line per event, newest first.
func writeFailures(out io.Writer, events []*mapping.Event) error {
	for _, e := range events {
		data, err := e.FailedData()
		if err != nil {
			return fmt.Errorf("event %s: %w", e.ID, err)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), e.AggregateID, e.BundleID, data.Code, data.Reason)
	}
	return nil
}
