package user

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
)

const externalAuthTimeout = 10 * time.Second

// Service manages principals: password verification, lazy provisioning from
// the external identity provider, and the local credit ledger.
type Service struct {
	users           *mongodriver.Collection
	externalAuthURL string
	httpClient      *http.Client
	logger          *logger.Logger
}

// NewService creates a user service. externalAuthURL may be empty, in which
// case only local accounts can authenticate.
func NewService(users *mongodriver.Collection, externalAuthURL string, log *logger.Logger) *Service {
	return &Service{
		users:           users,
		externalAuthURL: externalAuthURL,
		httpClient:      &http.Client{Timeout: externalAuthTimeout},
		logger:          log.WithComponent("user"),
	}
}

// Authenticate verifies credentials. Local accounts are checked first with
// bcrypt; only when no local account exists is the external identity
// provider consulted, and a successful external login lazily provisions an
// end-user principal. A local role is never downgraded by an external
// answer.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Principal, error) {
	p, err := s.GetByUsername(ctx, username)
	if err != nil && !apperrors.IsKind(err, apperrors.KindNotFound) {
		return nil, err
	}

	if p != nil {
		if !p.IsActive {
			return nil, apperrors.New(apperrors.KindUnauthorized, "account is deactivated")
		}
		if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) != nil {
			return nil, apperrors.New(apperrors.KindUnauthorized, "invalid credentials")
		}
		return p, nil
	}

	if s.externalAuthURL == "" {
		return nil, apperrors.New(apperrors.KindUnauthorized, "invalid credentials")
	}

	email, err := s.externalAuthenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}

	return s.provision(ctx, username, email, password)
}

// externalAuthenticate posts the credentials to the external identity
// provider. Any non-2xx answer is treated as invalid credentials.
func (s *Service) externalAuthenticate(ctx context.Context, username, password string) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.externalAuthURL, bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "failed to build external auth request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("external auth provider unreachable", slog.String("error", err.Error()))
		return "", apperrors.New(apperrors.KindUnauthorized, "invalid credentials")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperrors.New(apperrors.KindUnauthorized, "invalid credentials")
	}

	// The provider may return the canonical email; fall back to the
	// username when it does not.
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Email != "" {
		return body.Email, nil
	}
	return username, nil
}

// provision creates an active end-user principal for an externally verified
// login so subsequent logins are local.
func (s *Service) provision(ctx context.Context, username, email, password string) (*Principal, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to hash password", err)
	}

	now := time.Now().UTC()
	p := &Principal{
		UserID:       uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         RoleEndUser,
		IsActive:     true,
		Credits:      0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := s.users.InsertOne(ctx, p); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			// Raced with another login; reload the winner.
			return s.GetByUsername(ctx, username)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to provision user", err)
	}

	s.logger.Info("provisioned user from external auth", slog.String("user_id", p.UserID), slog.String("username", username))
	return p, nil
}

// GetByID loads a principal by user_id.
func (s *Service) GetByID(ctx context.Context, userID string) (*Principal, error) {
	return s.findOne(ctx, bson.M{"user_id": userID})
}

// GetByUsername loads a principal by username.
func (s *Service) GetByUsername(ctx context.Context, username string) (*Principal, error) {
	return s.findOne(ctx, bson.M{"username": username})
}

// GetByEmail loads a principal by email.
func (s *Service) GetByEmail(ctx context.Context, email string) (*Principal, error) {
	return s.findOne(ctx, bson.M{"email": email})
}

func (s *Service) findOne(ctx context.Context, filter bson.M) (*Principal, error) {
	var p Principal
	err := s.users.FindOne(ctx, filter).Decode(&p)
	if err == mongodriver.ErrNoDocuments {
		return nil, apperrors.New(apperrors.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to load user", err)
	}
	return &p, nil
}

// Exists reports whether a principal with the given user_id exists.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	n, err := s.users.CountDocuments(ctx, bson.M{"user_id": userID}, options.Count().SetLimit(1))
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindInternal, "failed to count users", err)
	}
	return n > 0, nil
}

// Credits returns the principal's current balance.
func (s *Service) Credits(ctx context.Context, userID string) (int64, error) {
	p, err := s.GetByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.Credits, nil
}

// DebitCredits atomically decrements the balance. The filter requires
// credits >= amount so an insufficient balance never goes negative; a
// non-matching update means the debit failed.
func (s *Service) DebitCredits(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return apperrors.Newf(apperrors.KindInternal, "invalid debit amount %d", amount)
	}

	res, err := s.users.UpdateOne(ctx,
		bson.M{"user_id": userID, "credits": bson.M{"$gte": amount}},
		bson.M{
			"$inc": bson.M{"credits": -amount},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to debit credits", err)
	}
	if res.ModifiedCount == 0 {
		return apperrors.New(apperrors.KindPaymentRequired, "insufficient credits")
	}
	return nil
}

// Deactivate disables an account without deleting it.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to deactivate user", err)
	}
	if res.MatchedCount == 0 {
		return apperrors.New(apperrors.KindNotFound, "user not found")
	}
	return nil
}

// Sync upserts principals by email. New accounts default to active end
// users; existing accounts keep their role and password unless the entry
// provides replacements. Roles are never downgraded implicitly.
func (s *Service) Sync(ctx context.Context, entries []SyncUser) (*SyncResult, error) {
	result := &SyncResult{}

	for _, entry := range entries {
		if entry.Role != "" && !entry.Role.Valid() {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: unknown role %q", entry.Email, entry.Role))
			continue
		}

		existing, err := s.GetByEmail(ctx, entry.Email)
		if err != nil && !apperrors.IsKind(err, apperrors.KindNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Email, err))
			continue
		}

		now := time.Now().UTC()
		if existing == nil {
			role := entry.Role
			if role == "" {
				role = RoleEndUser
			}
			password := entry.Password
			if password == "" {
				// Unset passwords get an unusable random hash so the
				// account can only log in through the external provider.
				password = uuid.New().String()
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Email, err))
				continue
			}
			credits := int64(0)
			if entry.Credits != nil {
				credits = *entry.Credits
			}
			p := &Principal{
				UserID:       uuid.New().String(),
				Username:     entry.Username,
				Email:        entry.Email,
				PasswordHash: string(hash),
				Role:         role,
				IsActive:     true,
				Credits:      credits,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if _, err := s.users.InsertOne(ctx, p); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Email, err))
				continue
			}
			result.Created++
			continue
		}

		update := bson.M{"username": entry.Username, "updated_at": now}
		if entry.Role != "" {
			update["role"] = entry.Role
		}
		if entry.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(entry.Password), bcrypt.DefaultCost)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Email, err))
				continue
			}
			update["password_hash"] = string(hash)
		}
		if entry.Credits != nil {
			update["credits"] = *entry.Credits
		}
		if _, err := s.users.UpdateOne(ctx, bson.M{"email": entry.Email}, bson.M{"$set": update}); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Email, err))
			continue
		}
		result.Updated++
	}

	return result, nil
}
