package firmware

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"device-control/internal/config"
)

// NewGatewayFromConfig builds the HTTP gateway client described by cfg.
func NewGatewayFromConfig(cfg config.Config, log logrus.FieldLogger) (*HTTPGateway, error) {
	return NewHTTPGateway(cfg.GatewayURL, GatewayOptions{
		Timeout:  cfg.GatewayTimeout,
		RetryMax: cfg.GatewayRetryMax,
		MaxBytes: cfg.FirmwareMaxBytes,
		Logger:   log,
	})
}

// NewSinkFromConfig returns the artifact sink for cfg: a FileSink under
// FirmwarePath, mirrored to S3 when a bucket is configured.
func NewSinkFromConfig(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (Sink, error) {
	files := NewFileSink(cfg.FirmwarePath)
	if cfg.FirmwareS3Bucket == "" {
		return files, nil
	}
	uploader, err := NewS3Uploader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init s3 mirror: %w", err)
	}
	return NewMirroredSink(files, uploader, cfg.FirmwareS3Prefix, log), nil
}

// NewPollerFromConfig wires gateway, sink and tracker into a Poller that
// leases jobs as owner.
func NewPollerFromConfig(ctx context.Context, cfg config.Config, gw Gateway, tracker Tracker, owner string, log logrus.FieldLogger) (*Poller, error) {
	sink, err := NewSinkFromConfig(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return NewPoller(gw, sink, tracker, PollerOptions{
		Interval:    cfg.PollInterval,
		MaxFailures: cfg.MaxPollFailures,
		Owner:       owner,
		LeaseTTL:    cfg.LeaseTTL,
		Logger:      log,
	}), nil
}
