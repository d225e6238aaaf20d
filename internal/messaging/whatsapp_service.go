package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/solarflow/solarflow/internal/models"
	"github.com/solarflow/solarflow/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to the underlying client for event handling
	messages chan models.Message
	receipts chan models.Receipt
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:   client,
		messages: make(chan models.Message, DefaultChannelBufferSize),
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}

	// A full Client carries the event stream; a mock only sends.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.messages)
	close(s.receipts)
	return nil
}

// Send delivers one outbound message and emits a sent receipt.
func (s *WhatsAppService) Send(ctx context.Context, out models.Outbound) error {
	if err := out.Validate(); err != nil {
		return err
	}
	to, err := s.ValidateAndCanonicalizeRecipient(out.To)
	if err != nil {
		slog.Error("WhatsAppService Send recipient validation error", "error", err, "to", out.To)
		return err
	}
	if out.List != nil {
		err = s.client.SendList(ctx, to, *out.List)
	} else {
		err = s.client.SendMessage(ctx, to, out.Body)
	}
	if err != nil {
		slog.Error("WhatsAppService Send error", "error", err, "to", to)
		return err
	}
	s.emitReceipt(models.Receipt{To: to, Status: models.StatusSent, Time: time.Now().Unix()})
	return nil
}

// Messages returns a channel of inbound contact messages.
func (s *WhatsAppService) Messages() <-chan models.Message {
	return s.messages
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// handleEvents registers the whatsmeow event handler and feeds inbound
// messages into the messages channel until the context is cancelled.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		default:
			slog.Debug("WhatsAppService ignoring event type", "type", fmt.Sprintf("%T", v))
		}
	})

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts a whatsmeow message event into the
// transport-neutral inbound shape the flow engine consumes. Group chats and
// self-messages are ignored; so are media types the engine has no use for.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	msg := models.Message{
		From: evt.Info.Sender.User,
		Time: evt.Info.Timestamp.Unix(),
	}

	raw := evt.Message
	switch {
	case raw.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID() != "":
		reply := raw.GetListResponseMessage()
		msg.Type = models.MessageTypeInteractiveReply
		msg.ReplyID = reply.GetSingleSelectReply().GetSelectedRowID()
		msg.ReplyTitle = reply.GetTitle()
	case raw.GetButtonsResponseMessage().GetSelectedButtonID() != "":
		reply := raw.GetButtonsResponseMessage()
		msg.Type = models.MessageTypeInteractiveReply
		msg.ReplyID = reply.GetSelectedButtonID()
		msg.ReplyTitle = reply.GetSelectedDisplayText()
	case raw.GetLocationMessage() != nil:
		loc := raw.GetLocationMessage()
		msg.Type = models.MessageTypeLocation
		msg.Latitude = loc.GetDegreesLatitude()
		msg.Longitude = loc.GetDegreesLongitude()
	case raw.GetInteractiveResponseMessage().GetNativeFlowResponseMessage().GetParamsJSON() != "":
		params := raw.GetInteractiveResponseMessage().GetNativeFlowResponseMessage().GetParamsJSON()
		var payload map[string]any
		if err := json.Unmarshal([]byte(params), &payload); err != nil {
			slog.Error("WhatsAppService failed to decode flow response params", "error", err, "from", msg.From)
			return
		}
		msg.Type = models.MessageTypeFlowResponse
		msg.FlowResponse = payload
	case raw.GetConversation() != "":
		msg.Type = models.MessageTypeText
		msg.Body = raw.GetConversation()
	case raw.GetExtendedTextMessage().GetText() != "":
		msg.Type = models.MessageTypeText
		msg.Body = raw.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsAppService ignoring unsupported message", "from", evt.Info.Sender.String())
		return
	}

	s.emitMessage(msg)
}

// handleMessageReceipt converts delivery/read receipts.
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	status := models.StatusDelivered
	if evt.Type == events.ReceiptTypeRead {
		status = models.StatusRead
	}
	s.emitReceipt(models.Receipt{To: evt.SourceString(), Status: status, Time: evt.Timestamp.Unix()})
}

// emitMessage delivers to the messages channel without blocking the
// whatsmeow event goroutine indefinitely.
func (s *WhatsAppService) emitMessage(msg models.Message) {
	select {
	case <-s.done:
	case s.messages <- msg:
		slog.Debug("WhatsAppService inbound message emitted", "from", msg.From, "type", msg.Type)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel full, dropping message", "from", msg.From)
	}
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	select {
	case <-s.done:
	case s.receipts <- r:
	default:
		slog.Debug("WhatsAppService receipts channel full, dropping receipt", "to", r.To)
	}
}

var _ Service = (*WhatsAppService)(nil)
