package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("PATHWAYS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PATHWAYS_TEST_DATABASE_URL not set; skipping integration test")
	}
	return url
}

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedUser(t *testing.T, s *PostgresStore, suffix string) User {
	t.Helper()
	ctx := context.Background()
	user := User{
		ID:          fmt.Sprintf("usr_it_%s_%d", suffix, time.Now().UnixNano()),
		DisplayName: "it-" + suffix,
		Email:       fmt.Sprintf("it-%s-%d@example.com", suffix, time.Now().UnixNano()),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.DB().ExecContext(ctx, `DELETE FROM users WHERE id = $1`, user.ID)
	})
	return user
}

func seedRoadmap(t *testing.T, s *PostgresStore, nodeIDs ...string) Roadmap {
	t.Helper()
	ctx := context.Background()
	nodes := make([]Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes = append(nodes, Node{ID: id, Label: id})
	}
	item := Roadmap{
		ID:    fmt.Sprintf("rdm_it_%d", time.Now().UnixNano()),
		Name:  "integration roadmap",
		Nodes: nodes,
	}
	if err := s.InsertRoadmap(ctx, item); err != nil {
		t.Fatalf("insert roadmap: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.DB().ExecContext(ctx, `DELETE FROM roadmaps WHERE id = $1`, item.ID)
	})
	return item
}

// TestFollowTransactionAtomicity exercises the real transaction against
// Postgres: counter and follow row move together, conflicts leave both alone.
func TestFollowTransactionAtomicity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := openTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s, "follow")
	item := seedRoadmap(t, s, "n1", "n2")

	record, err := s.CreateFollow(ctx, FollowRecord{ID: "flw_" + user.ID, UserID: user.ID, RoadmapID: item.ID})
	if err != nil {
		t.Fatalf("create follow: %v", err)
	}
	if len(record.MilestoneStates) != 0 {
		t.Fatalf("new follow should start with empty states: %+v", record.MilestoneStates)
	}
	got, err := s.GetRoadmap(ctx, item.ID)
	if err != nil {
		t.Fatalf("get roadmap: %v", err)
	}
	if got.FollowerCount != 1 {
		t.Fatalf("expected counter 1 after follow, got %d", got.FollowerCount)
	}

	_, err = s.CreateFollow(ctx, FollowRecord{ID: "flw_dup_" + user.ID, UserID: user.ID, RoadmapID: item.ID})
	if !errors.Is(err, ErrAlreadyFollowed) {
		t.Fatalf("expected ErrAlreadyFollowed, got %v", err)
	}
	got, _ = s.GetRoadmap(ctx, item.ID)
	if got.FollowerCount != 1 {
		t.Fatalf("conflicting follow moved the counter: %d", got.FollowerCount)
	}

	if err := s.DeleteFollow(ctx, user.ID, item.ID); err != nil {
		t.Fatalf("delete follow: %v", err)
	}
	got, _ = s.GetRoadmap(ctx, item.ID)
	if got.FollowerCount != 0 {
		t.Fatalf("expected counter 0 after unfollow, got %d", got.FollowerCount)
	}

	if err := s.DeleteFollow(ctx, user.ID, item.ID); !errors.Is(err, ErrNotFollowed) {
		t.Fatalf("expected ErrNotFollowed, got %v", err)
	}
	got, _ = s.GetRoadmap(ctx, item.ID)
	if got.FollowerCount != 0 {
		t.Fatalf("failed unfollow moved the counter: %d", got.FollowerCount)
	}
}

func TestConcurrentFollowsAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := openTestStore(t)
	ctx := context.Background()
	item := seedRoadmap(t, s, "n1")

	const users = 8
	seeded := make([]User, users)
	for i := range seeded {
		seeded[i] = seedUser(t, s, fmt.Sprintf("conc%d", i))
	}

	var wg sync.WaitGroup
	for i := range seeded {
		wg.Add(1)
		go func(u User) {
			defer wg.Done()
			_, err := s.CreateFollow(ctx, FollowRecord{ID: "flw_" + u.ID, UserID: u.ID, RoadmapID: item.ID})
			if err != nil {
				t.Errorf("follow %s: %v", u.ID, err)
			}
		}(seeded[i])
	}
	wg.Wait()

	got, err := s.GetRoadmap(ctx, item.ID)
	if err != nil {
		t.Fatalf("get roadmap: %v", err)
	}
	if got.FollowerCount != users {
		t.Fatalf("expected counter %d, got %d", users, got.FollowerCount)
	}
	live, err := s.CountFollowers(ctx, item.ID)
	if err != nil {
		t.Fatalf("count followers: %v", err)
	}
	if live != users {
		t.Fatalf("expected %d live followers, got %d", users, live)
	}
}

func TestMilestoneUpsertAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := openTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s, "milestone")
	item := seedRoadmap(t, s, "n1", "n2")

	if err := s.UpsertMilestoneState(ctx, user.ID, item.ID, "n1", StatusDone); !errors.Is(err, ErrNotFollowed) {
		t.Fatalf("upsert without follow should fail, got %v", err)
	}

	if _, err := s.CreateFollow(ctx, FollowRecord{ID: "flw_" + user.ID, UserID: user.ID, RoadmapID: item.ID}); err != nil {
		t.Fatalf("follow: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.UpsertMilestoneState(ctx, user.ID, item.ID, "n1", StatusDone); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	if err := s.UpsertMilestoneState(ctx, user.ID, item.ID, "n1", StatusSkipped); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := s.UpsertMilestoneState(ctx, user.ID, item.ID, "n2", StatusInProgress); err != nil {
		t.Fatalf("second milestone: %v", err)
	}

	follow, err := s.GetFollow(ctx, user.ID, item.ID)
	if err != nil || follow == nil {
		t.Fatalf("get follow: %v", err)
	}
	if len(follow.MilestoneStates) != 2 {
		t.Fatalf("expected 2 states, got %+v", follow.MilestoneStates)
	}
	byID := map[string]string{}
	for _, state := range follow.MilestoneStates {
		byID[state.MilestoneID] = state.Status
	}
	if byID["n1"] != StatusSkipped || byID["n2"] != StatusInProgress {
		t.Fatalf("unexpected states %v", byID)
	}
}
