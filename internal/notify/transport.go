package notify

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LogTransport writes every delivery to the log. It is the default
// transport for single-binary deployments where no push infrastructure
// is wired in.
type LogTransport struct {
	log *zap.Logger
}

// NewLogTransport creates a LogTransport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{log: logger.Named("transport")}
}

// Deliver logs the payload as JSON under its channel.
func (t *LogTransport) Deliver(ctx context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.log.Info("Delivered",
		zap.String("channel", channel),
		zap.ByteString("payload", body),
	)
	return nil
}
