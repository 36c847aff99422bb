// Package node wires the connector together: store, pipeline, routing,
// links, settlement, STREAM receiver. One Node exists per process.
package node

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/interledger/connector-go/internal/config"
	"github.com/interledger/connector-go/internal/links"
	"github.com/interledger/connector-go/internal/metrics"
	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/rates"
	"github.com/interledger/connector-go/internal/routing"
	"github.com/interledger/connector-go/internal/rtt"
	"github.com/interledger/connector-go/internal/services"
	"github.com/interledger/connector-go/internal/settlement"
	"github.com/interledger/connector-go/internal/store"
	"github.com/interledger/connector-go/pkg/ccp"
	"github.com/interledger/connector-go/pkg/ildcp"
	"github.com/interledger/connector-go/pkg/ilp"
	"github.com/interledger/connector-go/pkg/ratelimit"
	"github.com/interledger/connector-go/pkg/stream"

	"github.com/shopspring/decimal"
)

const (
	streamSeedInfo    = "ilp_stream_server_seed"
	routingSecretInfo = "ilp_routing_secret"

	ackExpiry = 30 * time.Second
)

// Node is the process-wide connector context.
type Node struct {
	cfg     *config.Config
	log     *zap.Logger
	store   store.Store
	metrics *metrics.Metrics

	address    ilp.Address
	secretSeed []byte

	Registry  *links.Registry
	Rates     *rates.Provider
	Manager   *routing.Manager
	Receiver  *routing.Receiver
	Broadcast *routing.Broadcaster
	Queue     *settlement.Queue
	Engine    *settlement.EngineClient
	Stream    *stream.Server
	Estimator *rtt.Estimator

	incoming services.Incoming

	// addressFrozen flips on the first successful forward; ILDCP may not
	// reassign the address afterwards.
	addressFrozen atomic.Bool

	accountIDs map[string]uuid.UUID // config name -> id
}

// New assembles a node. The address must already be resolved (statically
// or via ResolveAddress).
func New(cfg *config.Config, address ilp.Address, st store.Store, limiter ratelimit.Limiter, registry *links.Registry, log *zap.Logger) (*Node, error) {
	seed, err := cfg.SecretSeed()
	if err != nil {
		return nil, err
	}
	if err := address.Validate(); err != nil {
		return nil, fmt.Errorf("node: own address %q: %w", address, err)
	}

	n := &Node{
		cfg:        cfg,
		log:        log,
		store:      st,
		metrics:    metrics.New(),
		address:    address,
		secretSeed: seed,
		Registry:   registry,
		Engine:     &settlement.EngineClient{},
		Estimator:  rtt.New(rtt.Config{}),
		accountIDs: make(map[string]uuid.UUID),
	}

	staticRates := make(map[string]decimal.Decimal, len(cfg.Rates.Static))
	for code, rate := range cfg.Rates.Static {
		staticRates[code] = decimal.NewFromFloat(rate)
	}
	n.Rates = rates.New(rates.Config{
		Static:       staticRates,
		Store:        st.Rates(),
		PollURL:      cfg.Rates.PollURL,
		PollInterval: cfg.Rates.PollInterval,
	}, log)

	n.Manager = routing.NewManager(address, deriveKey(seed, routingSecretInfo), st.Routes(), log)
	n.Receiver = routing.NewReceiver(n.Manager, address, log)
	n.Broadcast = routing.NewBroadcaster(n.Manager, st.Accounts(), n.sendToAccount, log)
	n.Queue = settlement.NewQueue(st.Balances(), n.Engine, log, cfg.Settlement.QueueSize)
	n.Stream = stream.NewServer(deriveKey(seed, streamSeedInfo), address, cfg.Node.AssetCode, cfg.Node.AssetScale, log)

	if err := n.seedAccounts(context.Background()); err != nil {
		return nil, err
	}
	n.buildPipeline(limiter)
	n.seedRoutes()
	return n, nil
}

// Address returns the node's own ILP address.
func (n *Node) Address() ilp.Address { return n.address }

// Metrics returns the node's metrics sink.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Store returns the persistence layer.
func (n *Node) Store() store.Store { return n.store }

// HandleIncoming is the entry point for packets arriving from any link.
func (n *Node) HandleIncoming(ctx context.Context, from *model.Account, prepare *ilp.Prepare) ilp.Reply {
	reply := n.incoming.HandleIncoming(ctx, from, prepare)
	switch reply.(type) {
	case *ilp.Fulfill:
		n.metrics.PacketsIncoming.WithLabelValues("fulfill").Inc()
	default:
		n.metrics.PacketsIncoming.WithLabelValues("reject").Inc()
	}
	return reply
}

// Run drives the background tasks until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.Broadcast.Run(ctx)
		return nil
	})
	g.Go(func() error {
		n.Rates.Run(ctx)
		return nil
	})
	err := g.Wait()
	n.Queue.Close()
	n.Registry.Close()
	return err
}

// buildPipeline assembles the service chains:
// incoming: rate-limit, validator, max-packet, balance(in), router;
// outgoing: balance(out), exchange, expiry-shortener, validator, link.
func (n *Node) buildPipeline(limiter ratelimit.Limiter) {
	var outgoing services.Outgoing
	outgoing = links.NewOutgoing(n.Registry, n.address, n.log)
	outgoing = n.instrumentOutgoing(services.NewOutgoingValidator(outgoing, n.address))
	outgoing = services.NewExpiryShortener(outgoing, n.Estimator, n.address)
	outgoing = services.NewExchangeRate(outgoing, n.Rates, n.cfg.Node.Spread, n.address, n.log)
	outgoing = services.NewOutgoingBalance(outgoing, n.store.Balances(), n.Queue, n.address, n.log)

	router := services.NewRouter(n.address, n.Manager.Table(), n.store.Accounts(), outgoing, n.log)
	router.Local("peer.config", n.handleILDCP)
	router.Local(ccp.ControlDestination, n.handleRouteControl)
	router.Local(ccp.UpdateDestination, n.handleRouteUpdate)
	router.Local("peer.settle", n.handleSettlementMessage)
	router.Local(n.address.Child("echo"), n.handleEcho)
	router.Local(n.address, n.handleStream)

	var incoming services.Incoming = router
	incoming = services.NewIncomingBalance(incoming, n.store.Balances(), n.address, n.log)
	incoming = services.NewMaxPacket(incoming, n.address)
	incoming = services.NewIncomingValidator(incoming, n.address)
	incoming = services.NewRateLimit(incoming, limiter, n.address, n.log)
	n.incoming = incoming
}

func (n *Node) instrumentOutgoing(next services.Outgoing) services.Outgoing {
	return services.OutgoingFunc(func(ctx context.Context, from, to *model.Account, prepare *ilp.Prepare) ilp.Reply {
		reply := next.HandleOutgoing(ctx, from, to, prepare)
		if _, ok := reply.(*ilp.Fulfill); ok {
			// A completed forward freezes ILDCP address assignment.
			n.addressFrozen.Store(true)
			n.metrics.PacketsOutgoing.WithLabelValues("fulfill").Inc()
		} else {
			n.metrics.PacketsOutgoing.WithLabelValues("reject").Inc()
		}
		return reply
	})
}

// seedAccounts writes the configured accounts into the store. IDs derive
// deterministically from the account name so reboots and multiple nodes
// agree.
func (n *Node) seedAccounts(ctx context.Context) error {
	for _, ac := range n.cfg.Accounts {
		id := AccountID(ac.Name)
		n.accountIDs[ac.Name] = id

		acct := &model.Account{
			ID:                  id,
			ILPAddress:          ilp.Address(ac.ILPAddress),
			AssetCode:           ac.AssetCode,
			AssetScale:          ac.AssetScale,
			Relation:            model.Relation(ac.Relation),
			MaxPacketAmount:     ac.MaxPacketAmount,
			PacketsPerSecond:    ac.PacketsPerSecond,
			AmountPerSecond:     ac.AmountPerSecond,
			RoundTripTime:       ac.RoundTripTime,
			MaxBalance:          ac.MaxBalance,
			MaxOwedToUs:         ac.MaxOwedToUs,
			SettleThreshold:     ac.SettleThreshold,
			SettleTo:            ac.SettleTo,
			SettlementEngineURL: ac.SettlementEngineURL,
			BTPURL:              ac.BTPURL,
			HTTPURL:             ac.HTTPURL,
			OutgoingToken:       ac.OutgoingToken,
			SendRoutes:          ac.SendRoutes,
			ReceiveRoutes:       ac.ReceiveRoutes,
		}
		if acct.Relation == "" {
			acct.Relation = model.RelationNone
		}
		if acct.ILPAddress == "" && acct.Relation == model.RelationChild {
			acct.ILPAddress = n.address.Child(ac.Name)
		}

		if existing, err := n.store.Accounts().Get(ctx, id); err == nil {
			acct.Generation = existing.Generation + 1
		} else if err != store.ErrNotFound {
			return err
		}
		if err := n.store.Accounts().Upsert(ctx, acct, ac.IncomingToken); err != nil {
			return fmt.Errorf("node: seeding account %q: %w", ac.Name, err)
		}
	}
	return nil
}

// seedRoutes installs local routes for directly addressed accounts, the
// configured statics, and a default route toward a parent.
func (n *Node) seedRoutes() {
	ctx := context.Background()
	accounts, err := n.store.Accounts().List(ctx)
	if err != nil {
		n.log.Warn("listing accounts for local routes", zap.Error(err))
		accounts = nil
	}
	for _, acct := range accounts {
		if acct.ILPAddress != "" && acct.Relation != model.RelationParent {
			n.Manager.SetLocal(string(acct.ILPAddress), acct.ID)
		}
		if acct.Relation == model.RelationParent {
			// Everything we cannot route otherwise goes upstream.
			n.Manager.SetStatic(allocationScheme(n.address), acct.ID)
		}
	}
	for prefix, name := range n.cfg.Routing.Static {
		if id, ok := n.accountIDs[name]; ok {
			n.Manager.SetStatic(prefix, id)
		}
	}
}

// sendToAccount delivers a locally originated Prepare (CCP, ILDCP acks)
// straight over the account's link.
func (n *Node) sendToAccount(ctx context.Context, to *model.Account, prepare *ilp.Prepare) (ilp.Reply, error) {
	link, err := n.Registry.ForAccount(ctx, to)
	if err != nil {
		return nil, err
	}
	return link.SendPrepare(ctx, prepare)
}

// AccountID derives the stable id for a configured account name.
func AccountID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("ilp-account:"+name))
}

func deriveKey(seed []byte, info string) []byte {
	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(info))
	return mac.Sum(nil)
}

func allocationScheme(address ilp.Address) string {
	s := string(address)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i]
		}
	}
	return s
}

// ResolveAddress returns the configured node address, or fetches one over
// ILDCP from the first parent account when the config leaves it empty.
func ResolveAddress(ctx context.Context, cfg *config.Config, st store.Store, registry *links.Registry, log *zap.Logger) (ilp.Address, error) {
	if cfg.Node.ILPAddress != "" {
		return ilp.Address(cfg.Node.ILPAddress), nil
	}
	for _, ac := range cfg.Accounts {
		if model.Relation(ac.Relation) != model.RelationParent {
			continue
		}
		parent := &model.Account{
			ID:            AccountID(ac.Name),
			BTPURL:        ac.BTPURL,
			HTTPURL:       ac.HTTPURL,
			OutgoingToken: ac.OutgoingToken,
		}
		link, err := registry.ForAccount(ctx, parent)
		if err != nil {
			return "", fmt.Errorf("node: dialing parent %q: %w", ac.Name, err)
		}
		info, err := ildcp.Fetch(ctx, link.SendPrepare)
		if err != nil {
			return "", fmt.Errorf("node: ildcp from %q: %w", ac.Name, err)
		}
		log.Info("address assigned by parent",
			zap.String("address", string(info.ClientAddress)),
			zap.String("parent", ac.Name))
		return info.ClientAddress, nil
	}
	return "", fmt.Errorf("node: no ilp_address and no parent account")
}
