// Package dispatch drives conversations: it consumes inbound messages from a
// channel service, normalizes them, resolves a routing decision, and executes
// the target node. Node handlers are registered per node key and own the
// domain behavior; the dispatcher only applies the decision's declarative
// effects (context clearing, auth redirection, awaiting transitions).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/convoroute/convoroute/internal/intent"
	"github.com/convoroute/convoroute/internal/messaging"
	"github.com/convoroute/convoroute/internal/models"
	"github.com/convoroute/convoroute/internal/router"
	"github.com/convoroute/convoroute/internal/store"
	"github.com/convoroute/convoroute/internal/util"
)

// DefaultFallbackReply is sent when nothing resolves and no custom fallback
// is configured.
const DefaultFallbackReply = "No entendí tu mensaje. Escribí 'menu' para ver las opciones."

// Conversation is the per-user state the dispatcher tracks between messages.
// Messages for one conversation are serialized on its mutex; different
// conversations are handled concurrently.
type Conversation struct {
	From          string
	CurrentNode   string
	AwaitingType  string
	Authenticated bool
	LastSeen      time.Time

	mu sync.Mutex
}

// NodeResult is what a node handler returns after processing a decision.
type NodeResult struct {
	// Reply is sent back to the user; empty means no outbound message.
	Reply string
	// NextAwaiting arms an awaiting type for the next inbound message.
	// Empty clears any awaiting state, except the awaiting type armed by an
	// auth redirect, which stays armed until the auth node advances it.
	NextAwaiting string
	// Authenticated marks the conversation as authenticated from now on.
	Authenticated bool
}

// NodeFunc handles one routed message for a node.
type NodeFunc func(ctx context.Context, conv *Conversation, decision models.RoutingDecision) (NodeResult, error)

// Classifier is the optional GenAI fallback used when pattern-based intent
// recognition yields nothing.
type Classifier interface {
	ClassifyIntent(ctx context.Context, text string, candidates []string) (string, error)
}

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	// Scope selects the tenant and domain this dispatcher serves.
	Scope models.TenantScope
	// AuthNode receives conversations that hit a rule requiring auth before
	// they are authenticated.
	AuthNode string
	// AuthAwaitingType is armed when redirecting to AuthNode.
	AuthAwaitingType string
	// FallbackReply overrides DefaultFallbackReply.
	FallbackReply string
	// Classifier, when set, is consulted for an intent after pattern
	// recognition fails.
	Classifier Classifier
}

// Dispatcher routes inbound messages for one tenant scope.
type Dispatcher struct {
	st       store.Store
	svc      messaging.Service
	resolver *router.Resolver
	opts     Opts

	// mu guards the registries only; message handling holds the
	// per-conversation mutex instead.
	mu            sync.RWMutex
	nodes         map[string]NodeFunc
	conversations map[string]*Conversation
}

// NewDispatcher creates a Dispatcher for the given store, channel service and
// options.
func NewDispatcher(st store.Store, svc messaging.Service, opts Opts) (*Dispatcher, error) {
	if err := opts.Scope.Validate(); err != nil {
		return nil, err
	}
	if opts.FallbackReply == "" {
		opts.FallbackReply = DefaultFallbackReply
	}
	return &Dispatcher{
		st:            st,
		svc:           svc,
		resolver:      router.NewResolver(),
		opts:          opts,
		nodes:         make(map[string]NodeFunc),
		conversations: make(map[string]*Conversation),
	}, nil
}

// RegisterNode registers the handler for a node key. Registering twice
// replaces the previous handler.
func (d *Dispatcher) RegisterNode(node string, fn NodeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.nodes[node]; exists {
		slog.Warn("dispatch: replacing node handler", "node", node)
	}
	d.nodes[node] = fn
}

// Start consumes inbound messages until the context is cancelled or the
// channel closes.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start channel service: %w", err)
	}
	slog.Info("dispatch: started", "domain", d.opts.Scope.DomainKey, "org", d.opts.Scope.OrganizationID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-d.svc.Messages():
			if !ok {
				slog.Info("dispatch: message channel closed")
				return nil
			}
			if err := d.HandleMessage(ctx, msg); err != nil {
				slog.Error("dispatch: message handling failed", "from", msg.From, "error", err)
			}
		}
	}
}

// HandleMessage routes a single inbound message and sends the node's reply.
// Messages from the same sender are processed one at a time; other
// conversations proceed independently.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg models.InboundMessage) error {
	conv := d.conversation(msg.From)
	msgID := util.GenerateMessageID()

	conv.mu.Lock()
	defer conv.mu.Unlock()

	slog.Debug("dispatch: handling message", "msg_id", msgID, "from", msg.From, "button", msg.ButtonID != "")

	input := Normalize(msg)
	state := models.ConversationState{AwaitingType: conv.AwaitingType}

	snap, err := router.BuildSnapshot(d.st, d.opts.Scope, conv.AwaitingType)
	if err != nil {
		return fmt.Errorf("failed to load routing snapshot: %w", err)
	}

	input.RecognizedIntent = d.recognize(ctx, input, snap.Intents)

	decision, err := d.resolver.Resolve(snap, input, state)
	if errors.Is(err, router.ErrUnresolved) {
		slog.Debug("dispatch: unresolved input, sending fallback", "msg_id", msgID, "from", conv.From)
		return d.svc.SendMessage(ctx, conv.From, d.opts.FallbackReply)
	}
	if err != nil {
		return err
	}

	return d.execute(ctx, conv, decision)
}

// recognize runs pattern-based recognition and then the optional GenAI
// classifier. Classifier failures degrade to no intent.
func (d *Dispatcher) recognize(ctx context.Context, input models.NormalizedInput, intents []models.DomainIntent) string {
	if got := intent.Recognize(input, intents); got != "" {
		return got
	}
	if d.opts.Classifier == nil || input.RawText == "" || len(intents) == 0 {
		return ""
	}
	candidates := make([]string, 0, len(intents))
	for _, di := range intents {
		candidates = append(candidates, di.Intent)
	}
	got, err := d.opts.Classifier.ClassifyIntent(ctx, input.RawText, candidates)
	if err != nil {
		slog.Warn("dispatch: classifier failed, continuing without intent", "error", err)
		return ""
	}
	return got
}

// execute applies the decision's effects and runs the target node handler.
func (d *Dispatcher) execute(ctx context.Context, conv *Conversation, decision models.RoutingDecision) error {
	if decision.ClearsContext {
		conv.AwaitingType = ""
	}

	redirected := false
	if decision.RequiresAuth && !conv.Authenticated && d.opts.AuthNode != "" {
		slog.Debug("dispatch: redirecting to auth node", "from", conv.From, "wanted_node", decision.TargetNode)
		decision = models.RoutingDecision{
			TargetNode:   d.opts.AuthNode,
			TargetIntent: decision.TargetIntent,
		}
		conv.AwaitingType = d.opts.AuthAwaitingType
		redirected = true
	}

	target := decision.TargetNode
	if target == "" {
		// Stay on the current node; a decision without a node only makes
		// sense mid-flow.
		target = conv.CurrentNode
	}
	if target == "" {
		slog.Warn("dispatch: decision has no target and no current node", "from", conv.From, "intent", decision.TargetIntent)
		return d.svc.SendMessage(ctx, conv.From, d.opts.FallbackReply)
	}

	d.mu.RLock()
	fn, ok := d.nodes[target]
	d.mu.RUnlock()
	if !ok {
		slog.Error("dispatch: no handler registered for node", "node", target, "from", conv.From)
		return d.svc.SendMessage(ctx, conv.From, d.opts.FallbackReply)
	}

	conv.CurrentNode = target
	result, err := fn(ctx, conv, decision)
	if err != nil {
		return fmt.Errorf("node %s failed: %w", target, err)
	}

	// An empty NextAwaiting clears awaiting state, except right after an auth
	// redirect: the armed auth awaiting stays so the next inbound reaches the
	// auth node as promised.
	if result.NextAwaiting != "" {
		conv.AwaitingType = result.NextAwaiting
	} else if !redirected {
		conv.AwaitingType = ""
	}
	if result.Authenticated {
		conv.Authenticated = true
	}

	if result.Reply != "" {
		if err := d.svc.SendMessage(ctx, conv.From, result.Reply); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}
	return nil
}

// ExpireIdleConversations drops conversation state for senders that have been
// silent longer than maxIdle, so stale awaiting states do not greet users who
// come back days later. Returns the number of conversations expired.
func (d *Dispatcher) ExpireIdleConversations(maxIdle time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	var expired int
	for from, conv := range d.conversations {
		if !conv.LastSeen.Before(cutoff) {
			continue
		}
		// A held conversation mutex means a message is mid-flight; leave it
		// for the next sweep.
		if !conv.mu.TryLock() {
			continue
		}
		delete(d.conversations, from)
		conv.mu.Unlock()
		expired++
	}
	if expired > 0 {
		slog.Info("dispatch: expired idle conversations", "count", expired, "max_idle", maxIdle)
	}
	return expired
}

// conversation returns the tracked state for a sender, creating it on first
// contact and refreshing its idle clock.
func (d *Dispatcher) conversation(from string) *Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.conversations[from]
	if !ok {
		conv = &Conversation{From: from}
		d.conversations[from] = conv
	}
	conv.LastSeen = time.Now()
	return conv
}

// Normalize lowercases and whitespace-collapses an inbound message into the
// router's input form. Button ids are passed through untouched.
func Normalize(msg models.InboundMessage) models.NormalizedInput {
	text := strings.Join(strings.Fields(strings.ToLower(msg.Body)), " ")
	return models.NormalizedInput{
		RawText:  text,
		ButtonID: msg.ButtonID,
	}
}
