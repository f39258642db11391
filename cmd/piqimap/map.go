package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/navapbc/go-piqi/internal/domain/mapping"
	"github.com/navapbc/go-piqi/internal/mapper"
	"github.com/navapbc/go-piqi/internal/piqi"
	"github.com/navapbc/go-piqi/pkg/workerpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type mapOptions struct {
	outputs     []string
	traversal   string
	fhirVersion string
	workers     int
	pretty      bool
}

func mapCmd(load loader) *cobra.Command {
	var opts mapOptions

	cmd := &cobra.Command{
		Use:   "map [files...]",
		Short: "Map bundle files and print one PIQI message per bundle",
		Long: `Map FHIR bundle files to PIQI messages. With no files, or "-", the
bundle is read from standard input. Messages are written in argument order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if opts.fhirVersion == "" {
				opts.fhirVersion = cfg.FHIRVersion
			}
			if opts.traversal == "" {
				opts.traversal = cfg.LabTraversal
			}
			if opts.workers <= 0 {
				opts.workers = cfg.Workers
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runMap(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args, opts, logger)
		},
	}

	cmd.Flags().StringSliceVar(&opts.outputs, "output", nil, "outputs to produce (demographics, labResults); default all")
	cmd.Flags().StringVar(&opts.traversal, "traversal", "", "lab traversal: report or observation")
	cmd.Flags().StringVar(&opts.fhirVersion, "fhir-version", "", "FHIR version of the bundles")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "concurrent bundles")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "indent JSON output")
	return cmd
}

type source struct {
	name string
	data []byte
}

type outcome struct {
	msg *piqi.Message
	err error
}

// runMap maps every source on a worker pool and writes the messages in input
// order. Failures are reported on errOut and fail the run as a whole.
func runMap(ctx context.Context, stdin io.Reader, out, errOut io.Writer, files []string, opts mapOptions, logger *zap.Logger) error {
	if len(files) == 0 {
		files = []string{"-"}
	}
	if opts.workers <= 0 {
		opts.workers = 1
	}

	traversal, err := mapper.ParseTraversal(opts.traversal)
	if err != nil {
		return err
	}
	svc := mapping.NewService(mapper.NewRegistry(logger, mapper.WithLabTraversal(traversal)), logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = opts.workers
	poolCfg.QueueSize = len(files)
	poolCfg.MaxRetries = 0

	pool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		src := task.Payload.(source)
		res, err := svc.Map(ctx, mapping.Input{
			Payload:   src.data,
			Version:   opts.fhirVersion,
			Outputs:   opts.outputs,
			Traversal: opts.traversal,
			Source:    mapping.SourceCLI,
		})
		if err != nil {
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true, Data: res.Message}
	}, logger)
	if err != nil {
		return err
	}
	pool.Start()
	defer pool.Stop()

	outcomes := make([]outcome, len(files))
	var wg sync.WaitGroup
	for i, name := range files {
		src, err := readSource(name, stdin)
		if err != nil {
			outcomes[i].err = err
			continue
		}

		wg.Add(1)
		go func(i int, src source) {
			defer wg.Done()
			res, err := pool.SubmitWait(ctx, &workerpool.Task{ID: src.name, Payload: src, Context: ctx})
			switch {
			case err != nil:
				outcomes[i].err = err
			case !res.Success:
				outcomes[i].err = res.Error
			default:
				outcomes[i].msg = res.Data.(*piqi.Message)
			}
		}(i, src)
	}
	wg.Wait()

	enc := json.NewEncoder(out)
	if opts.pretty {
		enc.SetIndent("", "  ")
	}
	failed := 0
	for i, o := range outcomes {
		if o.err != nil {
			failed++
			fmt.Fprintf(errOut, "%s: %v\n", files[i], o.err)
			continue
		}
		if err := enc.Encode(o.msg); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d bundles failed", failed, len(files))
	}
	return nil
}

func readSource(name string, stdin io.Reader) (source, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return source{}, fmt.Errorf("read bundle: %w", err)
	}
	return source{name: name, data: data}, nil
}
