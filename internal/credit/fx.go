package credit

import (
	"github.com/smallbiznis/creditbook/internal/credit/repository"
	"github.com/smallbiznis/creditbook/internal/credit/service"
	"go.uber.org/fx"
)

// Module wires the ledger repository and service.
var Module = fx.Module("credit",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
