// Package chat persists sessions and messages and serves conversation
// history.
package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
	"github.com/flowiselabs/flowise-proxy-service/internal/upload"
)

// sessionNamespace seeds deterministic session derivation. Changing it
// would orphan every existing session.
var sessionNamespace = uuid.MustParse("8f3c1c84-20ab-4b1a-9e54-6c7f30d1a2bb")

const topicMaxLen = 120

// FileResolver hydrates stored file handles into metadata records.
type FileResolver interface {
	GetByIDs(ctx context.Context, fileIDs []string) (map[string]*upload.FileUpload, error)
}

// Service owns session and message persistence.
type Service struct {
	sessions *mongodriver.Collection
	messages *mongodriver.Collection
	files    FileResolver
	logger   *logger.Logger
}

// NewService creates the chat service.
func NewService(sessions, messages *mongodriver.Collection, files FileResolver, log *logger.Logger) *Service {
	return &Service{
		sessions: sessions,
		messages: messages,
		files:    files,
		logger:   log.WithComponent("chat"),
	}
}

// NormalizeQuestion trims and collapses interior whitespace so trivially
// different phrasings of the same opening question derive the same session.
func NormalizeQuestion(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

// DeriveSessionID computes the deterministic session handle for a user,
// chatflow and normalized opening question.
func DeriveSessionID(userID, chatflowID, question string) string {
	name := userID + "\x00" + chatflowID + "\x00" + NormalizeQuestion(question)
	return uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}

// EnsureSession creates the session if it does not exist yet. The topic is
// set once, from the opening question, and never rewritten.
func (s *Service) EnsureSession(ctx context.Context, userID, chatflowID, sessionID, question string) error {
	topic := NormalizeQuestion(question)
	if len(topic) > topicMaxLen {
		topic = topic[:topicMaxLen]
	}
	now := time.Now().UTC()

	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{
			"$set": bson.M{"updated_at": now},
			"$setOnInsert": bson.M{
				"session_id":  sessionID,
				"user_id":     userID,
				"chatflow_id": chatflowID,
				"topic":       topic,
				"created_at":  now,
			},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to ensure session", err)
	}
	return nil
}

// Append persists one turn. Replaying the identical turn (same session,
// role, content and timestamp) inserts nothing.
func (s *Service) Append(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.HasFiles = len(msg.FileIDs) > 0

	_, err := s.messages.UpdateOne(ctx,
		bson.M{
			"session_id": msg.SessionID,
			"role":       msg.Role,
			"content":    msg.Content,
			"created_at": msg.CreatedAt,
		},
		bson.M{"$setOnInsert": msg},
		options.Update().SetUpsert(true))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to append message", err)
	}
	return nil
}

// GetSession loads a session owned by userID.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (*Session, error) {
	var sess Session
	err := s.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&sess)
	if err == mongodriver.ErrNoDocuments {
		return nil, apperrors.New(apperrors.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to load session", err)
	}
	if sess.UserID != userID {
		// Hidden rather than forbidden; existence is not leaked.
		return nil, apperrors.New(apperrors.KindNotFound, "session not found")
	}
	return &sess, nil
}

// ListSessions returns the user's sessions, most recent first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	cur, err := s.sessions.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list sessions", err)
	}
	defer cur.Close(ctx)

	sessions := []Session{}
	if err := cur.All(ctx, &sessions); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to decode sessions", err)
	}
	return sessions, nil
}

// History returns the session's messages in chronological order with file
// references hydrated. The session must belong to userID.
func (s *Service) History(ctx context.Context, userID, sessionID string) ([]HistoryEntry, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	cur, err := s.messages.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to load history", err)
	}
	defer cur.Close(ctx)

	var msgs []Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to decode history", err)
	}

	fileIDs := make([]string, 0)
	for i := range msgs {
		fileIDs = append(fileIDs, msgs[i].FileIDs...)
	}
	records, err := s.files.GetByIDs(ctx, fileIDs)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(msgs))
	for i := range msgs {
		entries = append(entries, hydrate(&msgs[i], records))
	}
	return entries, nil
}

func hydrate(msg *Message, records map[string]*upload.FileUpload) HistoryEntry {
	entry := HistoryEntry{
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Partial:   msg.Partial,
		CreatedAt: msg.CreatedAt,
	}
	if msg.Metadata != "" && json.Valid([]byte(msg.Metadata)) {
		entry.Metadata = json.RawMessage(msg.Metadata)
	}
	for _, id := range msg.FileIDs {
		if rec, ok := records[id]; ok {
			entry.Files = append(entry.Files, rec.Ref())
		}
	}
	return entry
}
