package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fluxtalk/fluxtalk/internal/db"
	"github.com/fluxtalk/fluxtalk/internal/models"
	"go.uber.org/zap"
)

// ErrConversationNotFound is returned when an id does not resolve.
var ErrConversationNotFound = db.ErrNotFound

// UnknownConversationPolicy decides what a chat request naming a missing
// conversation does.
type UnknownConversationPolicy string

const (
	// UnknownConversationCreate starts a new conversation instead.
	UnknownConversationCreate UnknownConversationPolicy = "create"
	// UnknownConversationNotFound fails the request with ErrConversationNotFound.
	UnknownConversationNotFound UnknownConversationPolicy = "not_found"
)

func ParsePolicy(s string) (UnknownConversationPolicy, error) {
	switch p := UnknownConversationPolicy(s); p {
	case UnknownConversationCreate, UnknownConversationNotFound:
		return p, nil
	case "":
		return UnknownConversationCreate, nil
	default:
		return "", fmt.Errorf("unknown conversation policy %q", s)
	}
}

type Dispatcher interface {
	Send(ctx context.Context, req models.ChatRequest) string
}

type Store interface {
	WithTx(ctx context.Context, fn func(tx *db.Tx) error) error
}

type Service struct {
	store      Store
	dispatcher Dispatcher
	policy     UnknownConversationPolicy
	logger     *zap.Logger
}

func New(store Store, dispatcher Dispatcher, policy UnknownConversationPolicy, logger *zap.Logger) *Service {
	if policy == "" {
		policy = UnknownConversationCreate
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		policy:     policy,
		logger:     logger,
	}
}

// EnsureConversation returns the conversation named by id, loaded with its
// messages and model source, ignoring src. When id is nil, zero, or (under
// UnknownConversationCreate) unknown, a new conversation is created and src,
// if given, is attached to it in the same transaction.
func (s *Service) EnsureConversation(tx *db.Tx, id *int64, src *models.ModelSourceInput) (*models.Conversation, error) {
	if id != nil && *id != 0 {
		conv, err := tx.LoadConversation(*id)
		switch {
		case err == nil:
			return conv, nil
		case !errors.Is(err, db.ErrNotFound):
			return nil, err
		case s.policy == UnknownConversationNotFound:
			return nil, ErrConversationNotFound
		}
		s.logger.Warn("Conversation not found, starting a new one",
			zap.Int64("conversation_id", *id))
	}

	conv, err := tx.CreateConversation(models.DefaultTitle)
	if err != nil {
		return nil, err
	}
	conv.Messages = []models.Message{}

	if src != nil {
		ms := newModelSource(conv.ID, src)
		if err := tx.CreateModelSource(ms); err != nil {
			return nil, err
		}
		conv.ModelSource = ms
	}
	return conv, nil
}

// UpsertModelSource replaces conv's model source with src. Every field is
// overwritten, so optional fields absent from src end up nil. A nil src is a
// no-op.
func (s *Service) UpsertModelSource(tx *db.Tx, conv *models.Conversation, src *models.ModelSourceInput) error {
	if src == nil {
		return nil
	}

	if existing := conv.ModelSource; existing != nil {
		existing.Name = src.Name
		existing.Host = src.Host
		existing.Model = src.Model
		existing.APIKey = src.APIKey
		existing.IsLocal = src.IsLocal
		return tx.UpdateModelSource(existing)
	}

	ms := newModelSource(conv.ID, src)
	if err := tx.CreateModelSource(ms); err != nil {
		return err
	}
	conv.ModelSource = ms
	return nil
}

// AddMessage appends a message to conv. Role is stored as given.
func (s *Service) AddMessage(tx *db.Tx, conv *models.Conversation, role, content string) (*models.Message, error) {
	msg := &models.Message{ConvID: conv.ID, Role: role, Content: content}
	if err := tx.SaveMessage(msg); err != nil {
		return nil, err
	}
	conv.Messages = append(conv.Messages, *msg)
	return msg, nil
}

// Chat runs one chat turn. The reply is fetched first, outside any
// transaction, so a slow model never holds the database write lock. Then a
// single unit of work resolves the conversation, applies the model source
// and stores the user message followed by the reply.
func (s *Service) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	req.Normalize()

	if err := s.checkConversation(ctx, req.ConversationID); err != nil {
		return nil, err
	}

	replyText := s.dispatcher.Send(ctx, req)

	var resp models.ChatResponse
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		conv, err := s.EnsureConversation(tx, req.ConversationID, req.ModelSource)
		if err != nil {
			return err
		}

		if err := s.UpsertModelSource(tx, conv, req.ModelSource); err != nil {
			return err
		}

		if _, err := s.AddMessage(tx, conv, req.Message.Role, req.Message.Content); err != nil {
			return err
		}

		reply, err := s.AddMessage(tx, conv, models.RoleAssistant, replyText)
		if err != nil {
			return err
		}

		conv, err = tx.LoadConversation(conv.ID)
		if err != nil {
			return err
		}

		resp = models.ChatResponse{
			Conversation: SerializeConversation(conv),
			Reply:        models.NewMessageView(*reply),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// checkConversation fails fast under UnknownConversationNotFound so that a
// request for a missing conversation never reaches the model.
func (s *Service) checkConversation(ctx context.Context, id *int64) error {
	if s.policy != UnknownConversationNotFound || id == nil || *id == 0 {
		return nil
	}
	return s.store.WithTx(ctx, func(tx *db.Tx) error {
		_, err := tx.GetConversation(*id)
		return err
	})
}

func (s *Service) List(ctx context.Context) ([]models.ConversationView, error) {
	views := make([]models.ConversationView, 0)
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		conversations, err := tx.ListConversations()
		if err != nil {
			return err
		}
		for i := range conversations {
			views = append(views, SerializeConversation(&conversations[i]))
		}
		return nil
	})
	return views, err
}

func (s *Service) Get(ctx context.Context, id int64) (*models.ConversationView, error) {
	var view models.ConversationView
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		conv, err := tx.LoadConversation(id)
		if err != nil {
			return err
		}
		view = SerializeConversation(conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// SetModelSource replaces the model source of an existing conversation.
func (s *Service) SetModelSource(ctx context.Context, id int64, src models.ModelSourceInput) (*models.ConversationView, error) {
	var view models.ConversationView
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		conv, err := tx.LoadConversation(id)
		if err != nil {
			return err
		}
		if err := s.UpsertModelSource(tx, conv, &src); err != nil {
			return err
		}
		view = SerializeConversation(conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func (s *Service) Rename(ctx context.Context, id int64, title string) (*models.ConversationView, error) {
	if title == "" {
		title = models.DefaultTitle
	}

	var view models.ConversationView
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpdateConversationTitle(id, title); err != nil {
			return err
		}
		conv, err := tx.LoadConversation(id)
		if err != nil {
			return err
		}
		view = SerializeConversation(conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Delete removes the conversation with its messages and model source.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.store.WithTx(ctx, func(tx *db.Tx) error {
		return tx.DeleteConversation(id)
	})
}

// SerializeConversation builds the read view of conv. Messages are ordered
// by creation time. The model source is projected as stored, API key
// included.
func SerializeConversation(conv *models.Conversation) models.ConversationView {
	messages := make([]models.Message, len(conv.Messages))
	copy(messages, conv.Messages)
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].ID < messages[j].ID
	})

	view := models.ConversationView{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		Messages:  make([]models.MessageView, 0, len(messages)),
	}
	for _, m := range messages {
		view.Messages = append(view.Messages, models.NewMessageView(m))
	}

	if src := conv.ModelSource; src != nil {
		view.ModelSource = &models.ModelSourceInput{
			Name:    src.Name,
			Host:    src.Host,
			Model:   src.Model,
			APIKey:  src.APIKey,
			IsLocal: src.IsLocal,
		}
	}
	return view
}

func newModelSource(convID int64, src *models.ModelSourceInput) *models.ModelSource {
	return &models.ModelSource{
		ConvID:  convID,
		Name:    src.Name,
		Host:    src.Host,
		Model:   src.Model,
		APIKey:  src.APIKey,
		IsLocal: src.IsLocal,
	}
}
