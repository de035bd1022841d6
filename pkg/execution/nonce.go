package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/models"
	"github.com/ethereum/go-ethereum/common"
)

// NonceManager hands out nonces per sender. A reservation holds the sender's lock until it is
// committed or released, so nonces are assigned in first-send order even when futures of the same
// batch share a sender.
type NonceManager struct {
	client chain.Client
	logger *slog.Logger

	mu      sync.Mutex
	senders map[common.Address]*senderNonces
	// journaled is the highest nonce recorded by this deployment per sender.
	journaled map[common.Address]uint64
}

type senderNonces struct {
	mu     sync.Mutex
	loaded bool
	next   uint64
}

func NewNonceManager(client chain.Client, logger *slog.Logger) *NonceManager {
	return &NonceManager{
		client:    client,
		logger:    logger.With("module", "nonce_manager"),
		senders:   map[common.Address]*senderNonces{},
		journaled: map[common.Address]uint64{},
	}
}

// Track registers the nonces already used by interactions of state. Pending transactions at those
// nonces belong to this deployment and are not external interference.
func (m *NonceManager) Track(state *models.DeploymentState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, node := range state.Nodes {
		interaction := node.Interaction
		if interaction == nil || interaction.Nonce == nil {
			continue
		}

		if current, ok := m.journaled[interaction.From]; !ok || *interaction.Nonce > current {
			m.journaled[interaction.From] = *interaction.Nonce
		}
	}
}

func (m *NonceManager) sender(address common.Address) *senderNonces {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.senders[address]
	if !ok {
		s = &senderNonces{}
		m.senders[address] = s
	}

	return s
}

// Reservation is a nonce held for one send. Exactly one of Commit or Release takes effect.
type Reservation struct {
	Nonce  uint64
	sender *senderNonces
	done   bool
}

// Commit marks the nonce as used and releases the sender.
func (r *Reservation) Commit() {
	if r.done {
		return
	}

	r.sender.next = r.Nonce + 1
	r.done = true
	r.sender.mu.Unlock()
}

// Release gives the nonce back without using it.
func (r *Reservation) Release() {
	if r.done {
		return
	}

	r.done = true
	r.sender.mu.Unlock()
}

// Reserve locks sender and returns its next nonce. The first reservation of a sender fails with an
// ExternalInterferenceError when the network has pending transactions this deployment did not send.
func (m *NonceManager) Reserve(ctx context.Context, futureID string, sender common.Address) (*Reservation, error) {
	s := m.sender(sender)
	s.mu.Lock()

	if err := m.sync(ctx, futureID, sender, s); err != nil {
		s.mu.Unlock()

		return nil, err
	}

	return &Reservation{Nonce: s.next, sender: s}, nil
}

func (m *NonceManager) sync(ctx context.Context, futureID string, sender common.Address, s *senderNonces) error {
	pending, err := m.client.GetNonce(ctx, sender, chain.BlockPending)
	if err != nil {
		return fmt.Errorf("failed to read pending nonce of %s: %w", sender, err)
	}

	if s.loaded {
		if pending > s.next {
			return &models.ExternalInterferenceError{
				FutureID: futureID,
				Sender:   sender,
				Nonce:    s.next,
				Message:  fmt.Sprintf("pending nonce moved to %d outside of this deployment", pending),
			}
		}

		return nil
	}

	latest, err := m.client.GetNonce(ctx, sender, chain.BlockLatest)
	if err != nil {
		return fmt.Errorf("failed to read latest nonce of %s: %w", sender, err)
	}

	next := latest

	m.mu.Lock()
	journaled, tracked := m.journaled[sender]
	m.mu.Unlock()

	if tracked && journaled+1 > next {
		next = journaled + 1
	}

	if pending > next {
		return &models.ExternalInterferenceError{
			FutureID: futureID,
			Sender:   sender,
			Nonce:    next,
			Message:  fmt.Sprintf("sender has %d pending transactions not created by this deployment", pending-next),
		}
	}

	s.next = next
	s.loaded = true

	m.logger.DebugContext(ctx, "Nonce loaded", "sender", sender, "latest", latest, "pending", pending, "next", next)

	return nil
}
