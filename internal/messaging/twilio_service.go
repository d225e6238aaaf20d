package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solarflow/solarflow/internal/models"
	"github.com/solarflow/solarflow/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio REST API. Twilio has no
// live event stream; inbound messages arrive through the HTTP webhook, which
// the API layer forwards to PushInbound.
type TwilioService struct {
	client   twiliowhatsapp.Sender
	messages chan models.Message
	receipts chan models.Receipt
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService creates a new TwilioService wrapping the given Sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:   client,
		messages: make(chan models.Message, DefaultChannelBufferSize),
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op for Twilio (inbound arrives via webhook).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	// Give in-flight webhook pushes a moment to finish before closing.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.messages)
		close(s.receipts)
	}()
	return nil
}

// Send delivers one outbound message via Twilio and emits a sent receipt.
func (s *TwilioService) Send(ctx context.Context, out models.Outbound) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	if err := out.Validate(); err != nil {
		return err
	}
	to, err := s.ValidateAndCanonicalizeRecipient(out.To)
	if err != nil {
		slog.Error("TwilioService Send recipient validation error", "error", err, "to", out.To)
		return err
	}
	if out.List != nil {
		err = s.client.SendList(ctx, to, *out.List)
	} else {
		err = s.client.SendMessage(ctx, to, out.Body)
	}
	if err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: to, Status: models.StatusSent, Time: time.Now().Unix()})
	return nil
}

// PushInbound feeds one webhook-delivered inbound message into the message
// channel. The sender phone number is canonicalized here so the engine only
// ever sees canonical contact identifiers.
func (s *TwilioService) PushInbound(msg models.Message) error {
	from, err := s.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return err
	}
	msg.From = from
	if msg.Time == 0 {
		msg.Time = time.Now().Unix()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	select {
	case s.messages <- msg:
		return nil
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService messages channel full, dropping message", "from", msg.From)
		return fmt.Errorf("inbound message channel full")
	}
}

// Messages returns a channel of inbound contact messages.
func (s *TwilioService) Messages() <-chan models.Message {
	return s.messages
}

// Receipts returns a channel of receipt events.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *TwilioService) emitReceipt(r models.Receipt) {
	select {
	case s.receipts <- r:
	default:
		slog.Debug("TwilioService receipts channel full, dropping receipt", "to", r.To)
	}
}

var _ Service = (*TwilioService)(nil)
