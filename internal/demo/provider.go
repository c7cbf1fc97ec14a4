package demo

import (
	"github.com/bionicotaku/lingo-txscope/outbox"
	"github.com/google/wire"
)

// ProviderSet builds the users repository and service over the shared
// transaction manager, together with the outbox repository they write to.
var ProviderSet = wire.NewSet(UserFactory, NewUserRepository, outbox.ProvideRepository, NewUserService)
