package tallyservice

import (
	"log/slog"
	"time"

	httpadapter "pollcast/contexts/live-polls/tally-service/adapters/http"
	"pollcast/contexts/live-polls/tally-service/adapters/memory"
	"pollcast/contexts/live-polls/tally-service/application"
	"pollcast/contexts/live-polls/tally-service/application/broker"
	"pollcast/contexts/live-polls/tally-service/application/commands"
	"pollcast/contexts/live-polls/tally-service/application/queries"
	"pollcast/contexts/live-polls/tally-service/application/stream"
	"pollcast/contexts/live-polls/tally-service/application/tally"
	"pollcast/contexts/live-polls/tally-service/application/workers"
	"pollcast/contexts/live-polls/tally-service/domain/entities"
	"pollcast/contexts/live-polls/tally-service/ports"
)

type Module struct {
	Handler    httpadapter.Handler
	Gateway    *commands.VoteGateway
	Tally      *tally.Cache
	Broker     *broker.Broker
	Reconciler workers.TallyReconciler
	Store      *memory.Store
}

type Dependencies struct {
	Directory ports.PollDirectory
	Ledger    ports.VoteLedger
	Clock     ports.Clock
	IDGen     ports.IDGenerator
	Logger    *slog.Logger

	SubmitTimeout time.Duration
	LockWait      time.Duration
	LockAttempts  int
	Retry         application.RetryPolicy
	Quotas        broker.Quotas
	Stream        stream.Options
}

func NewModule(deps Dependencies) Module {
	cache := tally.NewCache(deps.Directory, deps.Ledger, deps.Clock, deps.Logger)
	cache.Retry = deps.Retry
	fanout := broker.New(cache, deps.Quotas, deps.Logger)
	gateway := &commands.VoteGateway{
		Directory:     deps.Directory,
		Ledger:        deps.Ledger,
		Tally:         cache,
		Broker:        fanout,
		Clock:         deps.Clock,
		IDGen:         deps.IDGen,
		Logger:        deps.Logger,
		SubmitTimeout: deps.SubmitTimeout,
		LockWait:      deps.LockWait,
		LockAttempts:  deps.LockAttempts,
		Retry:         deps.Retry,
	}
	pollUseCase := queries.PollUseCase{
		Directory: deps.Directory,
		Tally:     cache,
		Retry:     deps.Retry,
	}
	return Module{
		Handler: httpadapter.Handler{
			Votes:  gateway,
			Polls:  pollUseCase,
			Broker: fanout,
			Stream: deps.Stream,
			Clock:  deps.Clock,
			Logger: deps.Logger,
		},
		Gateway: gateway,
		Tally:   cache,
		Broker:  fanout,
		Reconciler: workers.TallyReconciler{
			Polls:   cache,
			Gateway: gateway,
			Logger:  deps.Logger,
		},
	}
}

func NewInMemoryModule(polls []entities.Poll, seed []entities.Vote, logger *slog.Logger) Module {
	store := memory.NewStore(polls, seed)
	module := NewModule(Dependencies{
		Directory:     store,
		Ledger:        store,
		Clock:         store,
		IDGen:         store,
		Logger:        logger,
		SubmitTimeout: 5 * time.Second,
		Stream:        stream.Options{KeepaliveInterval: 15 * time.Second},
	})
	module.Store = store
	return module
}
