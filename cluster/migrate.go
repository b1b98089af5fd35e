package cluster

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jrife/geode/crystal"
	"github.com/jrife/geode/metrics"
	"github.com/jrife/geode/storage/node"
)

// migrate copies every object of the source set into the target set,
// one worker per source node. The copy is an idempotent per-id upsert
// and each finished source partition is recorded as a provenance
// marker in the target, so cancellation leaves both sets readable and
// a retry skips completed partitions instead of starting over.
func migrate(ctx context.Context, source *NodeSet, target *NodeSet, logger *zap.Logger) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, src := range source.Nodes() {
		src := src

		group.Go(func() error {
			return migrateNode(ctx, src, target, logger)
		})
	}

	return group.Wait()
}

func migrateNode(ctx context.Context, src *node.Node, target *NodeSet, logger *zap.Logger) error {
	// provenance markers live with the data they describe
	marks := target.Nodes()[0]

	for partition := 0; partition < src.Partitions(); partition++ {
		marker := markerKey(src, partition)

		done, err := marks.MetaGet(marker)

		if err != nil {
			return fmt.Errorf("could not read migration marker %s: %s", marker, err)
		}

		if done != nil {
			continue
		}

		if ctx.Err() != nil {
			return fmt.Errorf("copy of %s partition %d: %w", src.Name(), partition, ErrMigrationAborted)
		}

		copied := 0

		err = src.ForEachIn(partition, func(id string, c crystal.Crystal) error {
			if ctx.Err() != nil {
				return fmt.Errorf("copy of %s partition %d: %w", src.Name(), partition, ErrMigrationAborted)
			}

			if err := target.Locate(id).Save(id, c); err != nil {
				return fmt.Errorf("could not copy object %q: %s", id, err)
			}

			copied++
			metrics.ObjectsMigrated.Inc()

			return nil
		})

		if err != nil {
			return err
		}

		if err := marks.MetaPut(marker, []byte{1}); err != nil {
			return fmt.Errorf("could not write migration marker %s: %s", marker, err)
		}

		logger.Info("partition copied",
			zap.String("source", src.Name()),
			zap.Int("partition", partition),
			zap.Int("objects", copied))
	}

	return nil
}

func markerKey(src *node.Node, partition int) string {
	return fmt.Sprintf("migrated/%s/%d", src.Name(), partition)
}
