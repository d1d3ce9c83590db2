package chatflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/flowise"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
)

const syncTimeout = 2 * time.Minute

// Catalog lists the upstream chatflow catalog.
type Catalog interface {
	ListChatflows(ctx context.Context) ([]flowise.Chatflow, error)
}

// PrincipalDirectory is the slice of the user service the registry needs
// for assignment bookkeeping.
type PrincipalDirectory interface {
	GetByEmail(ctx context.Context, email string) (*Lookup, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

// Lookup is the minimal principal projection used for assignments.
type Lookup struct {
	UserID   string
	Email    string
	IsActive bool
}

// Service mirrors the upstream catalog and manages per-user access grants.
type Service struct {
	chatflows     *mongodriver.Collection
	userChatflows *mongodriver.Collection
	catalog       Catalog
	principals    PrincipalDirectory
	logger        *logger.Logger
	cron          *cron.Cron
}

// NewService creates the chatflow registry.
func NewService(chatflows, userChatflows *mongodriver.Collection, catalog Catalog, principals PrincipalDirectory, log *logger.Logger) *Service {
	return &Service{
		chatflows:     chatflows,
		userChatflows: userChatflows,
		catalog:       catalog,
		principals:    principals,
		logger:        log.WithComponent("chatflow"),
	}
}

// Sync pulls the full upstream catalog and reconciles the local mirror.
// Entries absent upstream are soft-deleted; malformed configuration blobs
// mark the entry errored while keeping the previous good blob.
func (s *Service) Sync(ctx context.Context) (*SyncReport, error) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	flows, err := s.catalog.ListChatflows(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &SyncReport{TotalFetched: len(flows)}
	seen := make(map[string]bool, len(flows))

	for _, cf := range flows {
		seen[cf.ID] = true
		created, err := s.upsert(ctx, cf, now)
		if err != nil {
			report.Errors++
			report.ErrorDetails = append(report.ErrorDetails, fmt.Sprintf("%s: %v", cf.ID, err))
			continue
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
	}

	// Soft delete local entries no longer present upstream.
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	res, err := s.chatflows.UpdateMany(ctx,
		bson.M{"flowise_id": bson.M{"$nin": ids}, "sync_status": bson.M{"$ne": SyncStatusDeleted}},
		bson.M{"$set": bson.M{"sync_status": SyncStatusDeleted, "synced_at": now, "updated_at": now}},
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to mark deleted chatflows", err)
	}
	report.Deleted = int(res.ModifiedCount)

	s.logger.Info("chatflow sync completed",
		slog.Int("fetched", report.TotalFetched),
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("deleted", report.Deleted),
		slog.Int("errors", report.Errors))

	return report, nil
}

// upsert writes one catalog entry. Configuration blobs are validated field
// by field: a malformed blob records sync_status=error and leaves the
// previously stored blob untouched.
func (s *Service) upsert(ctx context.Context, cf flowise.Chatflow, now time.Time) (created bool, err error) {
	set := bson.M{
		"name":        cf.Name,
		"description": cf.Description,
		"deployed":    cf.Deployed,
		"is_public":   cf.IsPublic,
		"category":    cf.Category,
		"type":        cf.Type,
		"sync_status": SyncStatusActive,
		"sync_error":  "",
		"synced_at":   now,
		"updated_at":  now,
	}

	var blobErrs []string
	for field, blob := range map[string]string{
		"flow_data":      cf.FlowData,
		"chatbot_config": cf.ChatbotConfig,
		"api_config":     cf.APIConfig,
	} {
		if blob == "" {
			continue
		}
		if !json.Valid([]byte(blob)) {
			blobErrs = append(blobErrs, field)
			continue
		}
		set[field] = blob
	}
	if len(blobErrs) > 0 {
		set["sync_status"] = SyncStatusError
		set["sync_error"] = fmt.Sprintf("invalid JSON in %v", blobErrs)
	}

	res, err := s.chatflows.UpdateOne(ctx,
		bson.M{"flowise_id": cf.ID},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"flowise_id": cf.ID, "created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	if len(blobErrs) > 0 {
		return res.UpsertedCount > 0, fmt.Errorf("invalid JSON in %v", blobErrs)
	}
	return res.UpsertedCount > 0, nil
}

// StartPeriodicSync schedules Sync at the given interval. Returns a stop
// function.
func (s *Service) StartPeriodicSync(interval time.Duration) func() {
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if _, err := s.Sync(context.Background()); err != nil {
			s.logger.Error("periodic chatflow sync failed", slog.String("error", err.Error()))
		}
	}))
	s.cron.Start()
	return func() { s.cron.Stop() }
}

// HasAccess reports whether the user holds an active grant for the
// chatflow. A chatflow's is_public flag is deliberately not consulted.
func (s *Service) HasAccess(ctx context.Context, userID, flowiseID string) (bool, error) {
	n, err := s.userChatflows.CountDocuments(ctx,
		bson.M{"user_id": userID, "chatflow_id": flowiseID, "is_active": true},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindInternal, "failed to check chatflow access", err)
	}
	return n > 0, nil
}

// Get loads one mirrored chatflow by its upstream id.
func (s *Service) Get(ctx context.Context, flowiseID string) (*Chatflow, error) {
	var cf Chatflow
	err := s.chatflows.FindOne(ctx, bson.M{"flowise_id": flowiseID}).Decode(&cf)
	if err == mongodriver.ErrNoDocuments {
		return nil, apperrors.New(apperrors.KindNotFound, "chatflow not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to load chatflow", err)
	}
	return &cf, nil
}

// ListAll returns the full mirror, deleted entries included. Admin use.
func (s *Service) ListAll(ctx context.Context) ([]Chatflow, error) {
	cursor, err := s.chatflows.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list chatflows", err)
	}
	var flows []Chatflow
	if err := cursor.All(ctx, &flows); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to decode chatflows", err)
	}
	return flows, nil
}

// ListForUser returns the non-deleted chatflows the user has an active
// grant for.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Chatflow, error) {
	ids, err := s.grantedIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Chatflow{}, nil
	}

	cursor, err := s.chatflows.Find(ctx,
		bson.M{"flowise_id": bson.M{"$in": ids}, "sync_status": bson.M{"$ne": SyncStatusDeleted}},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list chatflows", err)
	}
	var flows []Chatflow
	if err := cursor.All(ctx, &flows); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to decode chatflows", err)
	}
	return flows, nil
}

func (s *Service) grantedIDs(ctx context.Context, userID string) ([]string, error) {
	cursor, err := s.userChatflows.Find(ctx, bson.M{"user_id": userID, "is_active": true})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list grants", err)
	}
	var grants []UserChatflow
	if err := cursor.All(ctx, &grants); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to decode grants", err)
	}
	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.ChatflowID)
	}
	return ids, nil
}

// AssignByEmail grants access to the user identified by email. Re-assigning
// an existing pair reactivates it.
func (s *Service) AssignByEmail(ctx context.Context, flowiseID, email string) (*UserChatflow, error) {
	if _, err := s.Get(ctx, flowiseID); err != nil {
		return nil, err
	}

	p, err := s.principals.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, apperrors.New(apperrors.KindForbidden, "user account is deactivated")
	}

	now := time.Now().UTC()
	_, err = s.userChatflows.UpdateOne(ctx,
		bson.M{"user_id": p.UserID, "chatflow_id": flowiseID},
		bson.M{
			"$set":         bson.M{"is_active": true},
			"$setOnInsert": bson.M{"user_id": p.UserID, "chatflow_id": flowiseID, "assigned_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to assign chatflow", err)
	}

	return &UserChatflow{UserID: p.UserID, ChatflowID: flowiseID, IsActive: true, AssignedAt: now}, nil
}

// BulkAssign grants access to several users by email, reporting per-entry
// failures instead of aborting.
func (s *Service) BulkAssign(ctx context.Context, flowiseID string, emails []string) (assigned int, errs []string) {
	for _, email := range emails {
		if _, err := s.AssignByEmail(ctx, flowiseID, email); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", email, err))
			continue
		}
		assigned++
	}
	return assigned, errs
}

// Revoke deactivates a grant. The row is kept for audit; it is never
// silently deleted.
func (s *Service) Revoke(ctx context.Context, flowiseID, userID string) error {
	res, err := s.userChatflows.UpdateOne(ctx,
		bson.M{"user_id": userID, "chatflow_id": flowiseID},
		bson.M{"$set": bson.M{"is_active": false}},
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to revoke chatflow access", err)
	}
	if res.MatchedCount == 0 {
		return apperrors.New(apperrors.KindNotFound, "assignment not found")
	}
	return nil
}

// ListUsers returns the grants for one chatflow.
func (s *Service) ListUsers(ctx context.Context, flowiseID string) ([]UserChatflow, error) {
	cursor, err := s.userChatflows.Find(ctx, bson.M{"chatflow_id": flowiseID})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list assignments", err)
	}
	var grants []UserChatflow
	if err := cursor.All(ctx, &grants); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to decode assignments", err)
	}
	return grants, nil
}

// AuditUsers finds assignments referencing users absent from the principal
// store.
func (s *Service) AuditUsers(ctx context.Context) ([]OrphanedAssignment, error) {
	cursor, err := s.userChatflows.Find(ctx, bson.M{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to scan assignments", err)
	}
	var grants []UserChatflow
	if err := cursor.All(ctx, &grants); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to decode assignments", err)
	}

	var orphans []OrphanedAssignment
	checked := make(map[string]bool)
	for _, g := range grants {
		exists, seen := checked[g.UserID]
		if !seen {
			var err error
			exists, err = s.principals.Exists(ctx, g.UserID)
			if err != nil {
				return nil, err
			}
			checked[g.UserID] = exists
		}
		if !exists {
			orphans = append(orphans, OrphanedAssignment{
				UserID:     g.UserID,
				ChatflowID: g.ChatflowID,
				IsActive:   g.IsActive,
				AssignedAt: g.AssignedAt,
			})
		}
	}
	return orphans, nil
}

// CleanupUsers deactivates or deletes orphaned assignments. With dryRun the
// report lists what would change without touching anything; delete
// additionally requires force.
func (s *Service) CleanupUsers(ctx context.Context, action CleanupAction, dryRun, force bool) (*CleanupReport, error) {
	switch action {
	case CleanupDeactivate, CleanupDelete:
	default:
		return nil, apperrors.Newf(apperrors.KindInvalidRequest, "unknown cleanup action %q", action)
	}
	if action == CleanupDelete && !dryRun && !force {
		return nil, apperrors.New(apperrors.KindForbidden, "delete requires force")
	}

	orphans, err := s.AuditUsers(ctx)
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{DryRun: dryRun, Action: action, Affected: len(orphans), Assignments: orphans}
	if dryRun || len(orphans) == 0 {
		return report, nil
	}

	ids := make([]string, 0, len(orphans))
	for _, o := range orphans {
		ids = append(ids, o.UserID)
	}
	filter := bson.M{"user_id": bson.M{"$in": ids}}

	if action == CleanupDelete {
		if _, err := s.userChatflows.DeleteMany(ctx, filter); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "failed to delete assignments", err)
		}
		return report, nil
	}

	if _, err := s.userChatflows.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"is_active": false}}); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to deactivate assignments", err)
	}
	return report, nil
}
