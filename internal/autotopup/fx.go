package autotopup

import (
	"github.com/smallbiznis/creditledger/internal/autotopup/repository"
	"github.com/smallbiznis/creditledger/internal/autotopup/service"
	"go.uber.org/fx"
)

var Module = fx.Module("autotopup.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
