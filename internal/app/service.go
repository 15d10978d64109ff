package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"pathways/api/internal/auth"
	"pathways/api/internal/authpw"
	"pathways/api/internal/config"
	"pathways/api/internal/email"
	"pathways/api/internal/export"
	"pathways/api/internal/rbac"
	"pathways/api/internal/search"
	"pathways/api/internal/snapshots"
	"pathways/api/internal/store"
	"pathways/api/internal/util"
)

// Session is the verified identity bound to a request or chat connection.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// RoadmapSummary is the listing projection. Node and edge bodies are omitted
// deliberately; clients fetch the full graph per roadmap.
type RoadmapSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	NodeCount     int       `json:"nodeCount"`
	FollowerCount int       `json:"followerCount"`
	IsFollowed    bool      `json:"isFollowed"`
	Progress      float64   `json:"progress"`
	ChatRoomID    *string   `json:"chatRoomId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NodeView is a roadmap node annotated with the viewer's milestone status.
type NodeView struct {
	store.Node
	Status string `json:"status"`
}

type RoadmapDetail struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Nodes         []NodeView   `json:"nodes"`
	Edges         []store.Edge `json:"edges"`
	FollowerCount int          `json:"followerCount"`
	IsFollowed    bool         `json:"isFollowed"`
	Progress      float64      `json:"progress"`
	ChatRoomID    *string      `json:"chatRoomId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

type FollowView struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"userId"`
	RoadmapID       string                 `json:"roadmapId"`
	MilestoneStates []store.MilestoneState `json:"milestoneStates"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

type RoadmapInput struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Nodes       []store.Node `json:"nodes"`
	Edges       []store.Edge `json:"edges"`
}

type ChatRoomView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	RoadmapID *string   `json:"roadmapId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatMessageView struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Body      string    `json:"body"`
	ReplyToID *string   `json:"replyToId,omitempty"`
	Upvotes   int       `json:"upvotes"`
	CreatedAt time.Time `json:"createdAt"`
}

type SignUpResult struct {
	UserID string `json:"userId"`
	// DevVerificationToken is populated only when no mailer is configured,
	// so local setups can complete verification without SMTP.
	DevVerificationToken string `json:"devVerificationToken,omitempty"`
}

var validMilestoneStatuses = map[string]struct{}{
	store.StatusPending:    {},
	store.StatusInProgress: {},
	store.StatusDone:       {},
	store.StatusSkipped:    {},
}

type dataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	UpdateUserAvatar(ctx context.Context, userID, avatarURL string) error

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	ListRoadmaps(context.Context) ([]store.Roadmap, error)
	GetRoadmap(ctx context.Context, roadmapID string) (store.Roadmap, error)
	InsertRoadmap(context.Context, store.Roadmap) error
	UpdateRoadmap(context.Context, store.Roadmap) error
	DeleteRoadmap(ctx context.Context, roadmapID string) error
	CountFollowers(ctx context.Context, roadmapID string) (int, error)
	ReconcileFollowerCount(ctx context.Context, roadmapID string) (int, error)

	GetFollow(ctx context.Context, userID, roadmapID string) (*store.FollowRecord, error)
	CreateFollow(context.Context, store.FollowRecord) (store.FollowRecord, error)
	DeleteFollow(ctx context.Context, userID, roadmapID string) error
	UpsertMilestoneState(ctx context.Context, userID, roadmapID, milestoneID, status string) error

	ListChatRooms(context.Context) ([]store.ChatRoom, error)
	GetChatRoom(ctx context.Context, roomID string) (store.ChatRoom, error)
	InsertChatRoom(context.Context, store.ChatRoom) error
	InsertChatMessage(context.Context, store.ChatMessage) (store.ChatMessage, error)
	ListRecentMessages(ctx context.Context, roomID string, limit int) ([]store.ChatMessage, error)
	UpvoteChatMessage(ctx context.Context, roomID, messageID string) (int, error)
}

// refreshSessionStore holds opaque refresh tokens keyed by sha256 hash.
// Redis in production; the Postgres store satisfies it as a fallback.
type refreshSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexRoadmap(rec search.RoadmapRecord)
	DeleteRoadmap(id string)
}

type snapshotService interface {
	EnsureRoadmapRepo(roadmapID string, graph snapshots.Graph, author string) error
	CommitGraph(roadmapID string, graph snapshots.Graph, message, author string) (snapshots.Commit, error)
	History(roadmapID string, limit int) ([]snapshots.Commit, error)
}

type exporter interface {
	RenderPDF(ctx context.Context, doc export.RoadmapDocument) ([]byte, error)
}

type assetStore interface {
	UploadAvatar(ctx context.Context, userID, filename, contentType string, body io.Reader, size int64) (string, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshSessionStore
	search    searchIndex
	snapshots snapshotService
	export    exporter
	assets    assetStore
	authpw    *authpw.Service
	mail      *email.Service
}

// New wires a service that keeps refresh tokens in the data store itself.
func New(cfg config.Config, data dataStore, snaps snapshotService, idx searchIndex) *Service {
	sessions, _ := data.(refreshSessionStore)
	return &Service{
		cfg:       cfg,
		store:     data,
		sessions:  sessions,
		snapshots: snaps,
		search:    idx,
	}
}

// NewWithSessionStore wires a dedicated refresh-token store (Redis).
func NewWithSessionStore(cfg config.Config, data dataStore, sessions refreshSessionStore, snaps snapshotService, idx searchIndex) *Service {
	service := New(cfg, data, snaps, idx)
	service.sessions = sessions
	return service
}

func (s *Service) SetAuthServices(passwords *authpw.Service, mailer *email.Service) {
	s.authpw = passwords
	s.mail = mailer
}

func (s *Service) SetExporter(exp exporter) {
	s.export = exp
}

func (s *Service) SetAssetStore(assets assetStore) {
	s.assets = assets
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// --- sessions ---

func (s *Service) SignUp(ctx context.Context, emailAddr, password, displayName string) (SignUpResult, error) {
	if s.authpw == nil {
		return SignUpResult{}, domainError(http.StatusServiceUnavailable, "Authentication is not configured")
	}
	resp, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       emailAddr,
		Password:    password,
		DisplayName: displayName,
	})
	if errors.Is(err, authpw.ErrEmailRegistered) {
		return SignUpResult{}, domainError(http.StatusConflict, "Email already registered")
	}
	if err != nil {
		return SignUpResult{}, domainError(http.StatusUnprocessableEntity, err.Error())
	}

	result := SignUpResult{UserID: resp.UserID}
	if s.mail != nil && s.mail.IsConfigured() {
		verifyURL := fmt.Sprintf("%s/verify-email?token=%s", strings.TrimRight(s.cfg.CORSOrigin, "/"), resp.VerificationToken)
		if err := s.mail.SendVerificationEmail(emailAddr, displayName, verifyURL); err != nil {
			log.Printf("email: verification send failed for %s: %v", resp.UserID, err)
		}
	} else {
		log.Printf("email: not configured, verification token for %s issued inline", resp.UserID)
		result.DevVerificationToken = resp.VerificationToken
	}
	return result, nil
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	if s.authpw == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "Authentication is not configured")
	}
	resp, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: emailAddr, Password: password})
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "Invalid email or password")
	}
	if err != nil {
		return Session{}, domainError(http.StatusUnprocessableEntity, err.Error())
	}
	if resp.RequiresVerify {
		return Session{}, domainError(http.StatusForbidden, "Email address not verified")
	}
	return s.issueSession(ctx, resp.User)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if s.authpw == nil {
		return domainError(http.StatusServiceUnavailable, "Authentication is not configured")
	}
	if err := s.authpw.VerifyEmail(ctx, token); err != nil {
		return domainError(http.StatusUnprocessableEntity, err.Error())
	}
	return nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) error {
	if s.authpw == nil {
		return domainError(http.StatusServiceUnavailable, "Authentication is not configured")
	}
	token, err := s.authpw.RequestPasswordReset(ctx, emailAddr)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	if s.mail != nil && s.mail.IsConfigured() {
		resetURL := fmt.Sprintf("%s/reset-password?token=%s", strings.TrimRight(s.cfg.CORSOrigin, "/"), token)
		if err := s.mail.SendPasswordResetEmail(emailAddr, emailAddr, resetURL); err != nil {
			log.Printf("email: reset send failed: %v", err)
		}
	} else {
		log.Printf("email: not configured, reset token issued for %s", emailAddr)
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if s.authpw == nil {
		return domainError(http.StatusServiceUnavailable, "Authentication is not configured")
	}
	if err := s.authpw.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword}); err != nil {
		return domainError(http.StatusUnprocessableEntity, err.Error())
	}
	return nil
}

// Refresh rotates the refresh token: the presented token is revoked and a
// fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- roadmaps ---

// ListRoadmaps returns summary projections. Anonymous viewers get the cached
// follower count; authenticated viewers get the live count plus their own
// follow state and progress.
func (s *Service) ListRoadmaps(ctx context.Context, viewer *Session) ([]RoadmapSummary, error) {
	items, err := s.store.ListRoadmaps(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]RoadmapSummary, 0, len(items))
	for _, item := range items {
		summary := RoadmapSummary{
			ID:            item.ID,
			Name:          item.Name,
			Description:   item.Description,
			NodeCount:     len(item.Nodes),
			FollowerCount: item.FollowerCount,
			ChatRoomID:    item.ChatRoomID,
			CreatedAt:     item.CreatedAt,
			UpdatedAt:     item.UpdatedAt,
		}
		if viewer != nil {
			live, err := s.store.CountFollowers(ctx, item.ID)
			if err != nil {
				return nil, err
			}
			summary.FollowerCount = live

			follow, err := s.store.GetFollow(ctx, viewer.UserID, item.ID)
			if err != nil {
				return nil, err
			}
			if follow != nil {
				summary.IsFollowed = true
				summary.Progress = progressRatio(item.Nodes, follow.MilestoneStates)
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) GetRoadmap(ctx context.Context, roadmapID string, viewer *Session) (RoadmapDetail, error) {
	item, err := s.store.GetRoadmap(ctx, roadmapID)
	if err != nil {
		return RoadmapDetail{}, err
	}

	detail := RoadmapDetail{
		ID:            item.ID,
		Name:          item.Name,
		Description:   item.Description,
		Edges:         item.Edges,
		FollowerCount: item.FollowerCount,
		ChatRoomID:    item.ChatRoomID,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
	}

	statuses := map[string]string{}
	if viewer != nil {
		live, err := s.store.CountFollowers(ctx, item.ID)
		if err != nil {
			return RoadmapDetail{}, err
		}
		detail.FollowerCount = live

		follow, err := s.store.GetFollow(ctx, viewer.UserID, item.ID)
		if err != nil {
			return RoadmapDetail{}, err
		}
		if follow != nil {
			detail.IsFollowed = true
			detail.Progress = progressRatio(item.Nodes, follow.MilestoneStates)
			statuses = statusByMilestone(follow.MilestoneStates)
		}
	}

	detail.Nodes = make([]NodeView, 0, len(item.Nodes))
	for _, node := range item.Nodes {
		detail.Nodes = append(detail.Nodes, NodeView{
			Node:   node,
			Status: resolveNodeStatus(statuses, node.ID),
		})
	}
	return detail, nil
}

func (s *Service) FollowRoadmap(ctx context.Context, session Session, roadmapID string) (FollowView, error) {
	record, err := s.store.CreateFollow(ctx, store.FollowRecord{
		ID:        util.NewID("flw"),
		UserID:    session.UserID,
		RoadmapID: roadmapID,
	})
	if errors.Is(err, store.ErrAlreadyFollowed) {
		return FollowView{}, domainError(http.StatusConflict, "Already following this roadmap")
	}
	if err != nil {
		return FollowView{}, err
	}
	return FollowView{
		ID:              record.ID,
		UserID:          record.UserID,
		RoadmapID:       record.RoadmapID,
		MilestoneStates: record.MilestoneStates,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}, nil
}

func (s *Service) UnfollowRoadmap(ctx context.Context, session Session, roadmapID string) error {
	err := s.store.DeleteFollow(ctx, session.UserID, roadmapID)
	if errors.Is(err, store.ErrNotFollowed) {
		return domainError(http.StatusConflict, "Not following this roadmap")
	}
	return err
}

// UpdateMilestone records one milestone status, last-write-wins. The
// milestone id is not checked against the current node set; the aggregator
// ignores stale ids at read time.
func (s *Service) UpdateMilestone(ctx context.Context, session Session, roadmapID, milestoneID, status string) error {
	if milestoneID == "" {
		return domainError(http.StatusUnprocessableEntity, "milestoneId is required")
	}
	if _, ok := validMilestoneStatuses[status]; !ok {
		return domainError(http.StatusUnprocessableEntity, "status must be one of pending, inProgress, done, skipped")
	}
	if _, err := s.store.GetRoadmap(ctx, roadmapID); err != nil {
		return err
	}
	err := s.store.UpsertMilestoneState(ctx, session.UserID, roadmapID, milestoneID, status)
	if errors.Is(err, store.ErrNotFollowed) {
		return domainError(http.StatusNotFound, "You are not following this roadmap")
	}
	return err
}

func (s *Service) CreateRoadmap(ctx context.Context, session Session, input RoadmapInput) (RoadmapDetail, error) {
	if err := validateRoadmapInput(input); err != nil {
		return RoadmapDetail{}, err
	}

	roadmapID := util.NewID("rdm")
	room := store.ChatRoom{
		ID:        util.NewID("room"),
		Name:      input.Name,
		Type:      "roadmap",
		RoadmapID: &roadmapID,
	}
	if err := s.store.InsertChatRoom(ctx, room); err != nil {
		return RoadmapDetail{}, err
	}

	item := store.Roadmap{
		ID:          roadmapID,
		Name:        input.Name,
		Description: input.Description,
		Nodes:       input.Nodes,
		Edges:       input.Edges,
		ChatRoomID:  &room.ID,
	}
	if err := s.store.InsertRoadmap(ctx, item); err != nil {
		return RoadmapDetail{}, err
	}

	if s.snapshots != nil {
		if err := s.snapshots.EnsureRoadmapRepo(roadmapID, graphOf(item), session.UserName); err != nil {
			log.Printf("snapshots: initial commit failed for %s: %v", roadmapID, err)
		}
	}
	s.indexRoadmap(item)

	return s.GetRoadmap(ctx, roadmapID, &session)
}

func (s *Service) UpdateRoadmap(ctx context.Context, session Session, roadmapID string, input RoadmapInput) (RoadmapDetail, error) {
	if err := validateRoadmapInput(input); err != nil {
		return RoadmapDetail{}, err
	}

	existing, err := s.store.GetRoadmap(ctx, roadmapID)
	if err != nil {
		return RoadmapDetail{}, err
	}

	existing.Name = input.Name
	existing.Description = input.Description
	existing.Nodes = input.Nodes
	existing.Edges = input.Edges
	if err := s.store.UpdateRoadmap(ctx, existing); err != nil {
		return RoadmapDetail{}, err
	}

	if s.snapshots != nil {
		if _, err := s.snapshots.CommitGraph(roadmapID, graphOf(existing), "update roadmap", session.UserName); err != nil {
			log.Printf("snapshots: commit failed for %s: %v", roadmapID, err)
		}
	}
	s.indexRoadmap(existing)

	return s.GetRoadmap(ctx, roadmapID, &session)
}

func (s *Service) DeleteRoadmap(ctx context.Context, roadmapID string) error {
	if err := s.store.DeleteRoadmap(ctx, roadmapID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteRoadmap(roadmapID)
	}
	return nil
}

// ReconcileFollowers recomputes the cached follower counter from the follow
// store. Operational repair for counter drift, not part of the hot path.
func (s *Service) ReconcileFollowers(ctx context.Context, roadmapID string) (int, error) {
	return s.store.ReconcileFollowerCount(ctx, roadmapID)
}

func (s *Service) SearchRoadmaps(query string, limit int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}}
	}
	return s.search.Search(search.Query{Text: query, Limit: limit})
}

func (s *Service) RoadmapHistory(ctx context.Context, roadmapID string, limit int) ([]snapshots.Commit, error) {
	if s.snapshots == nil {
		return nil, domainError(http.StatusServiceUnavailable, "History is not available")
	}
	if _, err := s.store.GetRoadmap(ctx, roadmapID); err != nil {
		return nil, err
	}
	return s.snapshots.History(roadmapID, limit)
}

func (s *Service) ExportRoadmap(ctx context.Context, roadmapID string, viewer *Session) ([]byte, string, error) {
	if s.export == nil {
		return nil, "", domainError(http.StatusServiceUnavailable, "Export is not available")
	}
	detail, err := s.GetRoadmap(ctx, roadmapID, viewer)
	if err != nil {
		return nil, "", err
	}

	doc := export.RoadmapDocument{
		Title:       detail.Name,
		Description: detail.Description,
		Followed:    detail.IsFollowed,
		Progress:    detail.Progress,
	}
	for _, node := range detail.Nodes {
		section := export.NodeSection{
			Label:       node.Label,
			Description: node.Description,
			Status:      node.Status,
		}
		for _, res := range node.Resources {
			section.Resources = append(section.Resources, export.ResourceLink{
				Label: res.Label,
				Type:  res.Type,
				URL:   res.URL,
			})
		}
		doc.Nodes = append(doc.Nodes, section)
	}

	pdf, err := s.export.RenderPDF(ctx, doc)
	if err != nil {
		return nil, "", err
	}
	filename := util.SlugFilename(detail.Name, "roadmap") + ".pdf"
	return pdf, filename, nil
}

func (s *Service) UploadAvatar(ctx context.Context, session Session, filename, contentType string, body io.Reader, size int64) (string, error) {
	if s.assets == nil {
		return "", domainError(http.StatusServiceUnavailable, "Avatar uploads are not available")
	}
	url, err := s.assets.UploadAvatar(ctx, session.UserID, filename, contentType, body, size)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateUserAvatar(ctx, session.UserID, url); err != nil {
		return "", err
	}
	return url, nil
}

// ReindexRoadmaps pushes every roadmap into the search index. Used at boot
// and as an admin repair path.
func (s *Service) ReindexRoadmaps(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	items, err := s.store.ListRoadmaps(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		s.indexRoadmap(item)
	}
	return nil
}

func (s *Service) indexRoadmap(item store.Roadmap) {
	if s.search == nil {
		return
	}
	s.search.IndexRoadmap(search.RoadmapRecord{
		ID:          item.ID,
		Name:        item.Name,
		Description: item.Description,
		NodeCount:   len(item.Nodes),
	})
}

func graphOf(item store.Roadmap) snapshots.Graph {
	return snapshots.Graph{
		Name:        item.Name,
		Description: item.Description,
		Nodes:       item.Nodes,
		Edges:       item.Edges,
	}
}

func validateRoadmapInput(input RoadmapInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return domainError(http.StatusUnprocessableEntity, "name is required")
	}
	seen := make(map[string]struct{}, len(input.Nodes))
	for _, node := range input.Nodes {
		if node.ID == "" {
			return domainError(http.StatusUnprocessableEntity, "every node needs an id")
		}
		if _, dup := seen[node.ID]; dup {
			return domainError(http.StatusUnprocessableEntity, fmt.Sprintf("duplicate node id %q", node.ID))
		}
		seen[node.ID] = struct{}{}
	}
	for _, edge := range input.Edges {
		if _, ok := seen[edge.Source]; !ok {
			return domainError(http.StatusUnprocessableEntity, fmt.Sprintf("edge %q references unknown source %q", edge.ID, edge.Source))
		}
		if _, ok := seen[edge.Target]; !ok {
			return domainError(http.StatusUnprocessableEntity, fmt.Sprintf("edge %q references unknown target %q", edge.ID, edge.Target))
		}
	}
	return nil
}

// --- chat ---

func (s *Service) ListChatRooms(ctx context.Context) ([]ChatRoomView, error) {
	rooms, err := s.store.ListChatRooms(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ChatRoomView, 0, len(rooms))
	for _, room := range rooms {
		views = append(views, chatRoomView(room))
	}
	return views, nil
}

func (s *Service) CreateChatRoom(ctx context.Context, name string) (ChatRoomView, error) {
	if strings.TrimSpace(name) == "" {
		return ChatRoomView{}, domainError(http.StatusUnprocessableEntity, "name is required")
	}
	room := store.ChatRoom{
		ID:   util.NewID("room"),
		Name: strings.TrimSpace(name),
		Type: "general",
	}
	if err := s.store.InsertChatRoom(ctx, room); err != nil {
		return ChatRoomView{}, err
	}
	created, err := s.store.GetChatRoom(ctx, room.ID)
	if err != nil {
		return ChatRoomView{}, err
	}
	return chatRoomView(created), nil
}

// RecentMessages returns the last limit messages in chronological order.
func (s *Service) RecentMessages(ctx context.Context, roomID string, limit int) ([]ChatMessageView, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := s.store.GetChatRoom(ctx, roomID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListRecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	// Store order is newest first; flip to oldest first for display.
	views := make([]ChatMessageView, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		views = append(views, chatMessageView(messages[i]))
	}
	return views, nil
}

// PostChatMessage persists a message authored by the bound identity. The
// display name is captured at send time and never re-resolved.
func (s *Service) PostChatMessage(ctx context.Context, session Session, roomID, body string, replyToID *string) (ChatMessageView, error) {
	if strings.TrimSpace(body) == "" {
		return ChatMessageView{}, domainError(http.StatusUnprocessableEntity, "message body is required")
	}
	if _, err := s.store.GetChatRoom(ctx, roomID); err != nil {
		return ChatMessageView{}, err
	}
	msg, err := s.store.InsertChatMessage(ctx, store.ChatMessage{
		ID:        util.NewID("msg"),
		RoomID:    roomID,
		UserID:    session.UserID,
		UserName:  session.UserName,
		Body:      body,
		ReplyToID: replyToID,
	})
	if err != nil {
		return ChatMessageView{}, err
	}
	return chatMessageView(msg), nil
}

func (s *Service) UpvoteMessage(ctx context.Context, roomID, messageID string) (int, error) {
	return s.store.UpvoteChatMessage(ctx, roomID, messageID)
}

func chatRoomView(room store.ChatRoom) ChatRoomView {
	return ChatRoomView{
		ID:        room.ID,
		Name:      room.Name,
		Type:      room.Type,
		RoadmapID: room.RoadmapID,
		CreatedAt: room.CreatedAt,
	}
}

func chatMessageView(msg store.ChatMessage) ChatMessageView {
	return ChatMessageView{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		UserName:  msg.UserName,
		Body:      msg.Body,
		ReplyToID: msg.ReplyToID,
		Upvotes:   msg.Upvotes,
		CreatedAt: msg.CreatedAt,
	}
}
