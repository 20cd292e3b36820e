package grant

import (
	"github.com/smallbiznis/creditledger/internal/grant/repository"
	"github.com/smallbiznis/creditledger/internal/grant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("grant.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
