package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAlreadyFollowed is returned when a follow already exists for the
	// (user, roadmap) pair. Raised by the unique constraint, not by a
	// read-then-write check, so concurrent follows have exactly one winner.
	ErrAlreadyFollowed = errors.New("roadmap already followed")
	// ErrNotFollowed is returned when an unfollow or milestone update finds
	// no follow record for the pair.
	ErrNotFollowed = errors.New("roadmap not followed")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, avatar_url, is_email_verified, COALESCE(verification_token, '')
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.AvatarURL, &user.IsEmailVerified, &user.VerificationToken)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, avatar_url, is_email_verified
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.AvatarURL, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserAvatar(ctx context.Context, userID, avatarURL string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET avatar_url=$2, updated_at=NOW() WHERE id=$1`, userID, avatarURL)
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// --- refresh sessions & token revocation (Postgres fallback; Redis preferred) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- roadmaps ---

// ListRoadmaps returns every roadmap with its node set but without edges.
// Node ids are needed to score progress against follow records; edge bodies
// are only ever served from a single-roadmap fetch.
func (s *PostgresStore) ListRoadmaps(ctx context.Context) ([]Roadmap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, nodes, follower_count, chat_room_id, created_at, updated_at
		FROM roadmaps
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list roadmaps: %w", err)
	}
	defer rows.Close()

	items := make([]Roadmap, 0)
	for rows.Next() {
		var item Roadmap
		var nodesRaw []byte
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &nodesRaw, &item.FollowerCount, &item.ChatRoomID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan roadmap: %w", err)
		}
		if err := json.Unmarshal(nodesRaw, &item.Nodes); err != nil {
			return nil, fmt.Errorf("decode roadmap nodes: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roadmaps: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRoadmap(ctx context.Context, roadmapID string) (Roadmap, error) {
	var item Roadmap
	var nodesRaw, edgesRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, nodes, edges, follower_count, chat_room_id, created_at, updated_at
		FROM roadmaps
		WHERE id=$1
	`, roadmapID).Scan(&item.ID, &item.Name, &item.Description, &nodesRaw, &edgesRaw, &item.FollowerCount, &item.ChatRoomID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Roadmap{}, err
	}
	if err := json.Unmarshal(nodesRaw, &item.Nodes); err != nil {
		return Roadmap{}, fmt.Errorf("decode roadmap nodes: %w", err)
	}
	if err := json.Unmarshal(edgesRaw, &item.Edges); err != nil {
		return Roadmap{}, fmt.Errorf("decode roadmap edges: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertRoadmap(ctx context.Context, item Roadmap) error {
	nodesRaw, edgesRaw, err := encodeGraph(item.Nodes, item.Edges)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roadmaps (id, name, description, nodes, edges, chat_room_id)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
	`, item.ID, item.Name, item.Description, nodesRaw, edgesRaw, item.ChatRoomID)
	if err != nil {
		return fmt.Errorf("insert roadmap: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRoadmap(ctx context.Context, item Roadmap) error {
	nodesRaw, edgesRaw, err := encodeGraph(item.Nodes, item.Edges)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE roadmaps
		SET name=$2, description=$3, nodes=$4::jsonb, edges=$5::jsonb, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Name, item.Description, nodesRaw, edgesRaw)
	if err != nil {
		return fmt.Errorf("update roadmap: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update roadmap rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteRoadmap(ctx context.Context, roadmapID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM roadmaps WHERE id=$1`, roadmapID)
	if err != nil {
		return fmt.Errorf("delete roadmap: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete roadmap rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountFollowers returns the live follow count, not the cached column.
func (s *PostgresStore) CountFollowers(ctx context.Context, roadmapID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roadmap_follows WHERE roadmap_id=$1`, roadmapID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count followers: %w", err)
	}
	return count, nil
}

// ReconcileFollowerCount rewrites the cached counter from the live follow
// count. Idempotent repair path for counter drift.
func (s *PostgresStore) ReconcileFollowerCount(ctx context.Context, roadmapID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE roadmaps
		SET follower_count = (SELECT COUNT(*) FROM roadmap_follows WHERE roadmap_id=$1), updated_at=NOW()
		WHERE id=$1
		RETURNING follower_count
	`, roadmapID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// --- follows ---

func (s *PostgresStore) GetFollow(ctx context.Context, userID, roadmapID string) (*FollowRecord, error) {
	var record FollowRecord
	var statesRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, roadmap_id, milestone_states, created_at, updated_at
		FROM roadmap_follows
		WHERE user_id=$1 AND roadmap_id=$2
	`, userID, roadmapID).Scan(&record.ID, &record.UserID, &record.RoadmapID, &statesRaw, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get follow: %w", err)
	}
	if err := json.Unmarshal(statesRaw, &record.MilestoneStates); err != nil {
		return nil, fmt.Errorf("decode milestone states: %w", err)
	}
	return &record, nil
}

// CreateFollow inserts the follow record and increments the roadmap's
// follower counter in one transaction. The counter UPDATE runs first: it
// row-locks the roadmap (serializing concurrent counter changes) and reports
// a missing roadmap before the insert is attempted.
func (s *PostgresStore) CreateFollow(ctx context.Context, record FollowRecord) (FollowRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FollowRecord{}, fmt.Errorf("begin follow tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE roadmaps SET follower_count = follower_count + 1, updated_at=NOW() WHERE id=$1
	`, record.RoadmapID)
	if err != nil {
		return FollowRecord{}, fmt.Errorf("increment follower count: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return FollowRecord{}, fmt.Errorf("increment follower rows: %w", err)
	} else if affected == 0 {
		return FollowRecord{}, sql.ErrNoRows
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO roadmap_follows (id, user_id, roadmap_id, milestone_states)
		VALUES ($1, $2, $3, '[]'::jsonb)
		RETURNING created_at, updated_at
	`, record.ID, record.UserID, record.RoadmapID).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return FollowRecord{}, ErrAlreadyFollowed
		}
		return FollowRecord{}, fmt.Errorf("insert follow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FollowRecord{}, fmt.Errorf("commit follow tx: %w", err)
	}
	record.MilestoneStates = []MilestoneState{}
	return record, nil
}

// DeleteFollow removes the follow record and decrements the counter,
// clamped at zero, in one transaction.
func (s *PostgresStore) DeleteFollow(ctx context.Context, userID, roadmapID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unfollow tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE roadmaps SET follower_count = GREATEST(follower_count - 1, 0), updated_at=NOW() WHERE id=$1
	`, roadmapID)
	if err != nil {
		return fmt.Errorf("decrement follower count: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("decrement follower rows: %w", err)
	} else if affected == 0 {
		return sql.ErrNoRows
	}

	result, err = tx.ExecContext(ctx, `
		DELETE FROM roadmap_follows WHERE user_id=$1 AND roadmap_id=$2
	`, userID, roadmapID)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("delete follow rows: %w", err)
	} else if affected == 0 {
		// Rolls back the decrement too.
		return ErrNotFollowed
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unfollow tx: %w", err)
	}
	return nil
}

// UpsertMilestoneState sets one milestone's status inside the follow record,
// last-write-wins, under a row lock so concurrent updates to the same record
// cannot interleave. The milestone id is not checked against the roadmap's
// node set here; stale ids are filtered at read time by the aggregator.
func (s *PostgresStore) UpsertMilestoneState(ctx context.Context, userID, roadmapID, milestoneID, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin milestone tx: %w", err)
	}
	defer tx.Rollback()

	var statesRaw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT milestone_states FROM roadmap_follows
		WHERE user_id=$1 AND roadmap_id=$2
		FOR UPDATE
	`, userID, roadmapID).Scan(&statesRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFollowed
	}
	if err != nil {
		return fmt.Errorf("lock follow: %w", err)
	}

	var states []MilestoneState
	if err := json.Unmarshal(statesRaw, &states); err != nil {
		return fmt.Errorf("decode milestone states: %w", err)
	}

	updated := false
	for i := range states {
		if states[i].MilestoneID == milestoneID {
			states[i].Status = status
			updated = true
			break
		}
	}
	if !updated {
		states = append(states, MilestoneState{MilestoneID: milestoneID, Status: status})
	}

	encoded, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("encode milestone states: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE roadmap_follows SET milestone_states=$3::jsonb, updated_at=NOW()
		WHERE user_id=$1 AND roadmap_id=$2
	`, userID, roadmapID, encoded); err != nil {
		return fmt.Errorf("update milestone states: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit milestone tx: %w", err)
	}
	return nil
}

// --- chat ---

func (s *PostgresStore) ListChatRooms(ctx context.Context) ([]ChatRoom, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, roadmap_id, created_at
		FROM chat_rooms
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list chat rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]ChatRoom, 0)
	for rows.Next() {
		var room ChatRoom
		if err := rows.Scan(&room.ID, &room.Name, &room.Type, &room.RoadmapID, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rooms: %w", err)
	}
	return rooms, nil
}

func (s *PostgresStore) GetChatRoom(ctx context.Context, roomID string) (ChatRoom, error) {
	var room ChatRoom
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, roadmap_id, created_at FROM chat_rooms WHERE id=$1
	`, roomID).Scan(&room.ID, &room.Name, &room.Type, &room.RoadmapID, &room.CreatedAt)
	if err != nil {
		return ChatRoom{}, err
	}
	return room, nil
}

func (s *PostgresStore) InsertChatRoom(ctx context.Context, room ChatRoom) error {
	roomType := room.Type
	if roomType == "" {
		roomType = "general"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_rooms (id, name, type, roadmap_id)
		VALUES ($1, $2, $3, $4)
	`, room.ID, room.Name, roomType, room.RoadmapID)
	if err != nil {
		return fmt.Errorf("insert chat room: %w", err)
	}
	return nil
}

// InsertChatMessage persists a message and returns it with the
// server-assigned timestamp. Broadcast happens only after this succeeds.
func (s *PostgresStore) InsertChatMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, room_id, user_id, user_name, body, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, msg.ID, msg.RoomID, msg.UserID, msg.UserName, msg.Body, msg.ReplyToID).Scan(&msg.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

// ListRecentMessages returns the newest messages first; callers reverse to
// chronological order.
func (s *PostgresStore) ListRecentMessages(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, user_name, body, reply_to_id, upvote_count, created_at
		FROM chat_messages
		WHERE room_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	messages := make([]ChatMessage, 0)
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.UserName, &msg.Body, &msg.ReplyToID, &msg.Upvotes, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) UpvoteChatMessage(ctx context.Context, roomID, messageID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE chat_messages SET upvote_count = upvote_count + 1
		WHERE id=$1 AND room_id=$2
		RETURNING upvote_count
	`, messageID, roomID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func encodeGraph(nodes []Node, edges []Edge) ([]byte, []byte, error) {
	if nodes == nil {
		nodes = []Node{}
	}
	if edges == nil {
		edges = []Edge{}
	}
	nodesRaw, err := json.Marshal(nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("encode roadmap nodes: %w", err)
	}
	edgesRaw, err := json.Marshal(edges)
	if err != nil {
		return nil, nil, fmt.Errorf("encode roadmap edges: %w", err)
	}
	return nodesRaw, edgesRaw, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
