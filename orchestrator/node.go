// Package orchestrator implements the Node Orchestrator: it wires the key
// store, contact registry, security chain, persistent queue, dead letter
// store, delivery engine, conversation store, ingress pipeline, egress
// pipeline and discovery client into one running ai2ai node, and exposes
// the public send/request/discover/contact-management/approval API,
// per component C12.
package orchestrator

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/ai2ai-project/ai2ai-node/config"
	"github.com/ai2ai-project/ai2ai-node/contacts"
	"github.com/ai2ai-project/ai2ai-node/conversation"
	"github.com/ai2ai-project/ai2ai-node/crypto/keystore"
	"github.com/ai2ai-project/ai2ai-node/delivery"
	"github.com/ai2ai-project/ai2ai-node/discovery"
	"github.com/ai2ai-project/ai2ai-node/dlq"
	"github.com/ai2ai-project/ai2ai-node/egress"
	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/ai2ai-project/ai2ai-node/health"
	"github.com/ai2ai-project/ai2ai-node/ingress"
	"github.com/ai2ai-project/ai2ai-node/internal/logger"
	"github.com/ai2ai-project/ai2ai-node/internal/metrics"
	"github.com/ai2ai-project/ai2ai-node/queue"
	"github.com/ai2ai-project/ai2ai-node/security"
)

// Config bundles the loaded runtime configuration with the identity and
// policy knobs only the orchestrator needs: the node's own public endpoint
// (the URL peers use to reach it), the intents always gated behind human
// approval, and the event callbacks the host application subscribes to.
type Config struct {
	*config.Config

	// Endpoint is this node's own publicly reachable submission URL, e.g.
	// "https://agent.example.com/ai2ai". Served in the health/well-known
	// descriptor and the ping response.
	Endpoint string

	AlwaysApprove      map[string]bool
	MinTrustToDispatch contacts.TrustLevel

	Events Events
}

// Node is one running ai2ai agent: identity, state, and the wired pipeline
// components described by component C12.
type Node struct {
	cfg Config
	log logger.Logger

	keys      *keystore.Store
	contacts  *contacts.Registry
	convs     *conversation.Store
	approvals *conversation.ApprovalInbox
	queue     *queue.Queue
	dlq       *dlq.Store
	chain     *security.Chain
	tracker   *delivery.Tracker
	worker    *delivery.QueueWorker
	discovery *discovery.Client
	resolver  *discovery.Resolver
	egress    *egress.Pipeline
	ingress   *ingress.Server

	healthChecker *health.HealthChecker

	mu       sync.Mutex
	handlers map[string]Handler

	httpServer *http.Server
	listenAddr string

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Addr returns the address the ingress HTTP server is actually listening
// on, available once Start has returned successfully. Useful in tests that
// start on an ephemeral port.
func (n *Node) Addr() string {
	return n.listenAddr
}

// New wires a Node from cfg. It does not start listening; call Start.
func New(cfg Config) (*Node, error) {
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	if cfg.MinTrustToDispatch == "" {
		cfg.MinTrustToDispatch = contacts.TrustNone
	}

	log := logger.NewDefaultLogger()

	ks, err := keystore.Open(filepath.Join(cfg.DataDir, "keys"), cfg.RotationInterval)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	contactRegistry, err := contacts.Open(filepath.Join(cfg.DataDir, "contacts"))
	if err != nil {
		return nil, fmt.Errorf("open contact registry: %w", err)
	}

	convs, err := conversation.Open(filepath.Join(cfg.DataDir, "conversations"), cfg.Conversation.Expiry)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	approvals, err := conversation.OpenApprovalInbox(filepath.Join(cfg.DataDir, "approvals"), conversation.ApprovalConfig{
		TTL:        cfg.Conversation.ApprovalTTL,
		PurgeAfter: cfg.Conversation.ApprovalPurge,
	})
	if err != nil {
		return nil, fmt.Errorf("open approval inbox: %w", err)
	}

	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue"))
	if err != nil {
		return nil, fmt.Errorf("open persistent queue: %w", err)
	}

	dlqStore, err := dlq.Open(filepath.Join(cfg.DataDir, "dlq"))
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}

	chain := security.NewChain(security.Config{
		RateLimitMax:     cfg.RateLimit.MaxMessages,
		RateLimitWindow:  cfg.RateLimit.Window,
		MessageTTL:       cfg.MessageTTL,
		NonceRetention:   cfg.Security.NonceRetention,
		VerifyCacheTTL:   cfg.Security.VerificationCacheTTL,
		DedupTTL:         cfg.Security.DedupTTL,
		DedupMaxEntries:  cfg.Security.DedupMaxEntries,
		AcceptedVersions: cfg.AcceptedVersions,
	}, contactRegistry, ingress.NewRegistryKeyResolver(contactRegistry))

	sender := newHTTPSender(cfg.Timeout)

	breakerCfg := delivery.BreakerConfig{
		FailureThreshold: cfg.Delivery.FailureThreshold,
		ResetTimeout:     cfg.Delivery.ResetTimeout,
		HalfOpenMax:      cfg.Delivery.HalfOpenMax,
	}

	n := &Node{cfg: cfg, log: log, keys: ks, contacts: contactRegistry, convs: convs,
		approvals: approvals, queue: q, dlq: dlqStore, chain: chain,
		handlers: make(map[string]Handler), stopSweep: make(chan struct{}), sweepDone: make(chan struct{})}

	deliveryEvents := delivery.Events{
		OnSent: func(id, endpoint string) {
			metrics.EnvelopesSent.WithLabelValues("outbound", "sent").Inc()
			if cfg.Events.OnSent != nil {
				cfg.Events.OnSent(id, endpoint)
			}
		},
		OnDelivered: func(id, endpoint string) {
			metrics.EnvelopesSent.WithLabelValues("outbound", "delivered").Inc()
			if cfg.Events.OnDelivered != nil {
				cfg.Events.OnDelivered(id, endpoint)
			}
		},
		OnFailed: func(id, endpoint string, err error) {
			metrics.EnvelopesSent.WithLabelValues("outbound", "failed").Inc()
			if cfg.Events.OnFailed != nil {
				cfg.Events.OnFailed(id, endpoint, err)
			}
		},
		OnCircuitOpen: func(endpoint string) {
			metrics.CircuitState.WithLabelValues(endpoint).Set(2)
			if cfg.Events.OnCircuitOpen != nil {
				cfg.Events.OnCircuitOpen(endpoint)
			}
		},
		OnCircuitClosed: func(endpoint string) {
			metrics.CircuitState.WithLabelValues(endpoint).Set(0)
			if cfg.Events.OnCircuitClosed != nil {
				cfg.Events.OnCircuitClosed(endpoint)
			}
		},
	}

	backoff := delivery.BackoffSchedule{
		BaseDelay:  cfg.Delivery.BaseDelay,
		Factor:     cfg.Delivery.BackoffFactor,
		MaxDelay:   cfg.Delivery.MaxDelay,
		MaxRetries: cfg.Delivery.MaxRetries,
	}
	n.tracker = delivery.NewTracker(sender, backoff, breakerCfg, deliveryEvents)

	schedule := delivery.QueueSchedule(cfg.Delivery.QueueSchedule)
	n.worker = delivery.NewQueueWorker(q, dlqStore, sender, n.tracker.Breakers(), schedule, cfg.Delivery.MaxInflight, deliveryEvents, time.Second)

	methods := []discovery.Method{
		discovery.NewDNSTXTMethod(nil),
		discovery.NewDNSSRVMethod(nil),
		discovery.NewWellKnownMethod(nil),
	}
	if cfg.Registry != "" {
		registryMethod, err := discovery.NewRegistryRESTMethod(discovery.RegistryRESTConfig{BaseURL: cfg.Registry})
		if err != nil {
			return nil, fmt.Errorf("build registry discovery method: %w", err)
		}
		methods = append(methods, registryMethod)
	}
	n.discovery = discovery.NewClient(5*time.Minute, methods...)
	n.resolver = discovery.NewResolver(contactRegistry, n.discovery)

	n.egress = egress.New(cfg.Name, cfg.HumanName, n.resolver, ks.SigningKeyPair(), n.tracker, q, cfg.EncryptionEnabled)

	descriptor := ingress.Descriptor{
		AI2AI:           envelope.CurrentProtoVersion,
		Endpoint:        cfg.Endpoint,
		Agent:           cfg.Name,
		Human:           cfg.HumanName,
		PublicKey:       base64.StdEncoding.EncodeToString(ks.SigningKeyPair().PublicKey().(ed25519.PublicKey)),
		X25519PublicKey: base64.StdEncoding.EncodeToString(ks.AgreementKeyPair().PublicKeyBytes()),
		Fingerprint:     ks.Fingerprint(),
	}

	n.ingress = ingress.NewServer(ingress.Config{
		Descriptor:         descriptor,
		AlwaysApprove:      cfg.AlwaysApprove,
		MinTrustToDispatch: cfg.MinTrustToDispatch,
	}, chain, contactRegistry, convs, approvals, ks.AgreementKeyPair(), n.ingressEvents())

	n.healthChecker = n.buildHealthChecker()

	return n, nil
}

func (n *Node) ingressEvents() ingress.Events {
	return ingress.Events{
		OnMessage: func(env *envelope.Envelope) {
			metrics.EnvelopesReceived.WithLabelValues(string(env.Type), "ok").Inc()
			if n.cfg.Events.OnMessage != nil {
				n.cfg.Events.OnMessage(env)
			}
		},
		OnNotification: func(env *envelope.Envelope) {
			metrics.EnvelopesReceived.WithLabelValues(string(env.Type), "ok").Inc()
			if env.Type == envelope.TypeRequest && n.cfg.Events.OnRequest != nil {
				n.cfg.Events.OnRequest(env)
			}
			if n.cfg.Events.OnMessage != nil {
				n.cfg.Events.OnMessage(env)
			}
		},
		OnReceipt: func(env *envelope.Envelope) {
			metrics.EnvelopesReceived.WithLabelValues("receipt", "ok").Inc()
			var receipt envelope.ReceiptPayload
			if json.Unmarshal(env.Payload, &receipt) == nil && receipt.Status == envelope.ReceiptRead && n.cfg.Events.OnRead != nil {
				n.cfg.Events.OnRead(receipt.MessageID)
			}
			if n.cfg.Events.OnReceipt != nil {
				n.cfg.Events.OnReceipt(env)
			}
		},
		OnApprovalRequired: func(approval *conversation.Approval) {
			metrics.PendingApprovals.Inc()
			if n.cfg.Events.OnApprovalPending != nil {
				n.cfg.Events.OnApprovalPending(approval)
			}
		},
	}
}

// RegisterIntent installs h as the handler for inbound request envelopes
// carrying intent.
func (n *Node) RegisterIntent(intent string, h Handler) {
	n.mu.Lock()
	n.handlers[intent] = h
	n.mu.Unlock()
	n.ingress.RegisterIntent(intent, asIngressHandler(h))
}

// Start binds the HTTP server on port (falling back to cfg.Port when zero)
// and starts the background queue worker and maintenance sweeps.
func (n *Node) Start(port int) error {
	if port == 0 {
		port = n.cfg.Port
	}

	n.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: n.healthMux(),
	}

	ln, err := net.Listen("tcp", n.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.httpServer.Addr, err)
	}
	n.listenAddr = ln.Addr().String()

	go func() {
		if err := n.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.log.Error("ingress server stopped", logger.Error(err))
		}
	}()

	n.worker.Start(context.Background())
	go n.sweepLoop()

	n.log.Info("node started", logger.String("agent", n.cfg.Name), logger.Int("port", port))
	return nil
}

// Stop drains in-flight work and shuts everything down: the HTTP server
// stops accepting new connections and waits for in-flight requests to
// finish (bounded by ctx), the queue worker is stopped, maintenance sweeps
// are cancelled, and the security chain's background goroutines are
// closed.
func (n *Node) Stop(ctx context.Context) error {
	close(n.stopSweep)
	<-n.sweepDone

	n.worker.Stop()

	var shutdownErr error
	if n.httpServer != nil {
		shutdownErr = n.httpServer.Shutdown(ctx)
	}

	n.chain.Close()
	return shutdownErr
}

func (n *Node) sweepLoop() {
	defer close(n.sweepDone)

	interval := n.cfg.Conversation.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopSweep:
			return
		case <-ticker.C:
			if _, err := n.convs.SweepExpired(); err != nil {
				n.log.Warn("conversation sweep failed", logger.Error(err))
			}
			expired, err := n.approvals.Sweep()
			if err != nil {
				n.log.Warn("approval sweep failed", logger.Error(err))
				continue
			}
			for _, id := range expired {
				metrics.PendingApprovals.Dec()
				if n.cfg.Events.OnApprovalExpired != nil {
					n.cfg.Events.OnApprovalExpired(id)
				}
			}
		}
	}
}
