package gstmixer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/stylemixer"
)

// MonitorBus watches the pipeline bus until ctx is cancelled or the
// pipeline fails.
//
// This function:
//  1. Polls the bus for messages (EOS, Error, Warning, StateChanged)
//  2. Classifies errors for telemetry
//  3. Returns on a pipeline error or end of stream
//
// Per-port end-of-stream markers are dropped at the port pipes and never
// reach the bus; a pipeline EOS means the whole graph ended.
func MonitorBus(ctx context.Context, pipeline *gst.Pipeline, logger *slog.Logger) error {
	if pipeline == nil {
		return fmt.Errorf("gstmixer: pipeline not initialized")
	}
	if logger == nil {
		logger = slog.Default()
	}

	bus := pipeline.GetPipelineBus()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("gstmixer: context cancelled, stopping bus monitor")
			return nil

		default:
			// Short timeout keeps shutdown responsive
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				logger.Info("gstmixer: end of stream received", "uptime", time.Since(started))
				return fmt.Errorf("gstmixer: end of stream")

			case gst.MessageError:
				gerr := msg.ParseError()
				category := stylemixer.ClassifyError(gerr)

				logger.Error("gstmixer: pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"source", msg.Source(),
					"category", category.String(),
					"uptime", time.Since(started),
				)
				return fmt.Errorf("gstmixer: pipeline error [%s]: %s", category.String(), gerr.Error())

			case gst.MessageWarning:
				gerr := msg.ParseWarning()
				logger.Warn("gstmixer: pipeline warning",
					"warning", gerr.Error(),
					"source", msg.Source(),
				)

			case gst.MessageStateChanged:
				if msg.Source() == pipeline.GetName() {
					old, new := msg.ParseStateChanged()
					logger.Debug("gstmixer: pipeline state changed",
						"from", old,
						"to", new,
					)
				}
			}
		}
	}
}
