package looplab

import (
	"context"
	"strings"
	"time"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Build runs the assembly pipeline once per target. Targets run in parallel
// unless the configuration forces serial execution. Every pipeline runs to
// completion regardless of the others' outcomes, and the full set of
// per-architecture statuses is returned together with an aggregate error.
func Build(ctx context.Context, config Config, targets []BuildTarget) ([]Status, error) {
	if len(targets) == 0 {
		return nil, errors.New("no build targets")
	}

	// Loop bindings are exclusive per backing file, so two pipelines writing
	// the same image would race on the device.
	paths := map[string]Arch{}
	for _, target := range targets {
		if other, exists := paths[target.ImagePath]; exists {
			return nil, errors.Errorf("image path %q used by both %s and %s", target.ImagePath, other, target.Arch)
		}
		paths[target.ImagePath] = target.Arch
	}

	statuses := make([]Status, len(targets))
	runTarget := func(ctx context.Context, index int) {
		target := targets[index]
		ctx = logger.With(ctx, zap.String("arch", string(target.Arch)))
		started := time.Now()
		err := newPipeline(config, target).run(ctx)
		statuses[index] = Status{Target: target, Err: err, Duration: time.Since(started)}
	}

	if config.ForceSerial {
		logger.Get(ctx).Info("Serial execution forced")
		for i := range targets {
			if ctx.Err() != nil {
				return statuses, errors.WithStack(ctx.Err())
			}
			runTarget(ctx, i)
		}
	} else {
		err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
			for i := range targets {
				spawn("build-"+string(targets[i].Arch), parallel.Continue, func(ctx context.Context) error {
					// Failures are reported per target; a broken architecture
					// must not abandon the teardown of the others.
					runTarget(ctx, i)
					return nil
				})
			}
			return nil
		})
		if err != nil {
			return statuses, err
		}
	}

	failed := make([]string, 0, len(targets))
	for _, status := range statuses {
		if status.Err != nil {
			failed = append(failed, string(status.Target.Arch))
		}
	}
	if len(failed) > 0 {
		return statuses, errors.Errorf("build failed for: %s", strings.Join(failed, ", "))
	}
	return statuses, nil
}
