package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/internal/config"
	"github.com/hed1ad/hybridguard/internal/history"
	"github.com/hed1ad/hybridguard/internal/server"
	"github.com/hed1ad/hybridguard/pkg/flows"
	"github.com/hed1ad/hybridguard/pkg/hybrid"
	guardio "github.com/hed1ad/hybridguard/pkg/io"
	"github.com/hed1ad/hybridguard/pkg/io/jsonl"
	"github.com/hed1ad/hybridguard/pkg/io/pcap"
)

type scanOptions struct {
	pcapFile string
	iface    string
	filter   string
	output   string
	record   bool
}

func newScanCmd() *cobra.Command {
	var (
		opts     scanOptions
		modelDir string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Decide flows captured from a pcap file or a live interface",
		Long: `Scan aggregates packets into bidirectional flows, decides each flow when
it ends or goes idle and writes one JSON result per line. The model must
have been trained on the flow feature set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.pcapFile == "") == (opts.iface == "") {
				return errors.New("exactly one of --pcap or --iface is required")
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cmd.Flags().Changed("models") {
				cfg.Model.Dir = modelDir
			}
			if opts.filter == "" {
				opts.filter = cfg.Capture.Filter
			}
			return runScan(cmd.Context(), cfg, logger, opts)
		},
	}

	cmd.Flags().StringVar(&opts.pcapFile, "pcap", "", "pcap file to read")
	cmd.Flags().StringVar(&opts.iface, "iface", "", "network interface to capture from")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "BPF filter expression")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&modelDir, "models", "", "artifact bundle directory")
	cmd.Flags().BoolVar(&opts.record, "record", false, "also record decisions to the history database")

	return cmd
}

func openCapture(cfg *config.Config, opts scanOptions) (*pcap.Reader, error) {
	idle := pcap.WithIdleTimeout(cfg.Capture.IdleTimeout)
	if opts.pcapFile != "" {
		return pcap.NewFileReader(opts.pcapFile, idle)
	}
	return pcap.NewLiveReader(opts.iface, cfg.Capture.Snaplen, cfg.Capture.Promiscuous, cfg.Capture.Timeout, idle)
}

func runScan(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts scanOptions) error {
	bundle, predictor, err := loadPredictor(cfg, logger)
	if err != nil {
		return err
	}

	reader, err := openCapture(cfg, opts)
	if err != nil {
		return err
	}
	defer reader.Close()

	if opts.filter != "" {
		if err := reader.SetFilter(opts.filter); err != nil {
			return err
		}
	}

	var store *history.Store
	if opts.record {
		if store, err = history.Open(cfg.History.Path); err != nil {
			return err
		}
		defer store.Close()
	}

	w, err := jsonl.Create(opts.output)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recs, err := reader.StreamFlows(ctx)
	if err != nil {
		return err
	}

	// Vectors go through the predictor in arrival order, so pending holds
	// the record behind each outcome.
	in := make(chan []float64, 64)
	out := make(chan hybrid.Outcome, 64)
	pending := make(chan *flows.Record, 256)
	counts := newSummary()

	go func() {
		defer close(in)
		defer close(pending)
		for rec := range recs {
			v, err := bundle.Scaler.Vectorize(rec.Named(), cfg.Model.IgnoreUnknownFields)
			if err != nil {
				res := guardio.FailedResult(err, rec.End)
				res.Metadata = flowMetadata(rec)
				counts.add(res)
				if werr := w.Write(res); werr != nil {
					logger.Error("write result failed", zap.Error(werr))
				}
				continue
			}
			select {
			case pending <- rec:
			case <-ctx.Done():
				return
			}
			select {
			case in <- v:
			case <-ctx.Done():
				return
			}
		}
	}()

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- predictor.DecideStream(ctx, in, out)
		close(out)
	}()

	var flowCount int
	for o := range out {
		rec := <-pending
		flowCount++

		var res guardio.Result
		if o.Err != nil {
			res = guardio.FailedResult(o.Err, rec.End)
		} else {
			res = guardio.NewResult(o.Result, rec.End)
			if store != nil {
				recordFlow(ctx, store, o.Result, predictor.Threshold(), logger)
			}
		}
		res.Features = o.Features
		res.Metadata = flowMetadata(rec)

		counts.add(res)
		if err := w.Write(res); err != nil {
			cancel()
			return err
		}
	}

	logger.Info("scan complete", append([]zap.Field{zap.Int("flows", flowCount)}, counts.fields()...)...)
	if err := <-streamErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return w.Flush()
}

func flowMetadata(rec *flows.Record) map[string]any {
	return map[string]any{
		"flow":     rec.Key.String(),
		"src_ip":   rec.Key.SrcIP,
		"dst_ip":   rec.Key.DstIP,
		"src_port": rec.Key.SrcPort,
		"dst_port": rec.Key.DstPort,
		"protocol": rec.Key.Protocol,
		"start":    rec.Start.Format(time.RFC3339Nano),
		"packets":  rec.Packets(),
	}
}

func recordFlow(ctx context.Context, store *history.Store, r hybrid.Result, threshold float64, logger *zap.Logger) {
	entry := history.Entry{
		Outcome:   r.Kind.String(),
		Label:     r.Label,
		Threshold: threshold,
		RiskLevel: server.RiskLevel(r.Kind),
		Source:    "scan",
	}
	if r.HasError() {
		e := r.Error
		entry.ReconstructionError = &e
	}
	if _, err := store.Record(ctx, entry); err != nil {
		logger.Warn("history record failed", zap.Error(err))
	}
}
