package blobstore

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("blobstore",
	fx.Provide(NewMinIO),
	fx.Invoke(registerBucket),
)

func registerBucket(lc fx.Lifecycle, store Store) {
	ms, ok := store.(*minioStore)
	if !ok {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ms.ensureBucket(ctx)
		},
	})
}
