package delegation

import (
	"github.com/smallbiznis/creditledger/internal/delegation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("delegation.service",
	fx.Provide(service.NewService),
)
