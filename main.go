package looplab

import (
	"context"

	"github.com/outofforest/logger"
	"github.com/outofforest/run"
	"go.uber.org/zap"
)

// Main is the entrypoint of the image builder process.
func Main(config Config, targets ...BuildTarget) {
	run.New().Run(context.Background(), "loop-lab", func(ctx context.Context) error {
		statuses, err := Build(ctx, config, targets)
		log := logger.Get(ctx)
		for _, status := range statuses {
			switch {
			case status.Err != nil:
				log.Error("Image build failed",
					zap.String("arch", string(status.Target.Arch)),
					zap.Duration("took", status.Duration),
					zap.Error(status.Err))
			default:
				log.Info("Image build succeeded",
					zap.String("arch", string(status.Target.Arch)),
					zap.String("image", status.Target.ImagePath),
					zap.Duration("took", status.Duration))
			}
		}
		return err
	})
}
