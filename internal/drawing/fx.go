package drawing

import (
	"github.com/smallbiznis/drawledger/internal/drawing/jobs"
	"github.com/smallbiznis/drawledger/internal/drawing/keyresolver"
	"github.com/smallbiznis/drawledger/internal/drawing/projectlock"
	"github.com/smallbiznis/drawledger/internal/drawing/repository"
	"github.com/smallbiznis/drawledger/internal/drawing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("drawing.service",
	fx.Provide(repository.Provide),
	fx.Provide(keyresolver.New),
	fx.Provide(projectlock.New),
	fx.Provide(service.New),
)

// JobsModule registers the drawing job handlers on the worker.
var JobsModule = fx.Module("drawing.jobs",
	fx.Invoke(jobs.Register),
)
