package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-chat-link/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var created = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newDBForTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func seedUsers(t *testing.T, db *gorm.DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, db.Create(&domain.User{UserID: id, Username: id, Enable: 1, CreatedAt: created, UpdatedAt: created}).Error)
	}
}

func session(id, userID, code string) *domain.LinkSession {
	return &domain.LinkSession{
		SessionID: id,
		UserID:    userID,
		Code:      code,
		ExpiresAt: created.Add(10 * time.Minute),
		CreatedAt: created,
	}
}

// --- LinkSessionRepo ---

func TestLinkSessionRepo_UpsertReplacesUserSession(t *testing.T) {
	ctx := context.Background()
	repo := NewLinkSessionRepo(newDBForTest(t))

	require.NoError(t, repo.Upsert(ctx, session("s1", "u1", "AAAA0001")))
	require.NoError(t, repo.Upsert(ctx, session("s2", "u1", "BBBB0002")))

	_, err := repo.FindByCode(ctx, "AAAA0001")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	got, err := repo.FindByCode(ctx, "BBBB0002")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.SessionID)
	assert.True(t, got.ExpiresAt.Equal(created.Add(10*time.Minute)))

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLinkSessionRepo_UpsertCodeCollision(t *testing.T) {
	ctx := context.Background()
	repo := NewLinkSessionRepo(newDBForTest(t))

	require.NoError(t, repo.Upsert(ctx, session("s1", "u1", "DEADBEEF")))
	require.NoError(t, repo.Upsert(ctx, session("s2", "u2", "0000BEEF")))

	err := repo.Upsert(ctx, session("s3", "u2", "DEADBEEF"))
	assert.ErrorIs(t, err, domain.ErrConflict)

	// The failed upsert rolled back: u2 keeps its previous session.
	got, err := repo.FindByCode(ctx, "0000BEEF")
	require.NoError(t, err)
	assert.Equal(t, "u2", got.UserID)
	got, err = repo.FindByCode(ctx, "DEADBEEF")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestLinkSessionRepo_Deletes(t *testing.T) {
	ctx := context.Background()
	repo := NewLinkSessionRepo(newDBForTest(t))

	require.NoError(t, repo.Upsert(ctx, session("s1", "u1", "AAAA0001")))
	require.NoError(t, repo.Upsert(ctx, session("s2", "u2", "BBBB0002")))

	// Deleting a replaced session is a no-op.
	require.NoError(t, repo.Delete(ctx, session("gone", "u1", "AAAA0001")))
	_, err := repo.FindByCode(ctx, "AAAA0001")
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, session("s1", "u1", "AAAA0001")))
	_, err = repo.FindByCode(ctx, "AAAA0001")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.DeleteByUser(ctx, "u2"))
	require.NoError(t, repo.DeleteByUser(ctx, "u2"))
	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// --- UserRepo ---

func TestUserRepo_LinkLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newDBForTest(t)
	seedUsers(t, db, "u1", "u2")
	repo := NewUserRepo(db)

	_, err := repo.FindByExternalIdentity(ctx, "555")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.SetExternalIdentity(ctx, "u1", "555"))
	owner, err := repo.FindByExternalIdentity(ctx, "555")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner.UserID)

	// Re-linking the same identity to the same user is fine.
	require.NoError(t, repo.SetExternalIdentity(ctx, "u1", "555"))

	err = repo.SetExternalIdentity(ctx, "u2", "555")
	assert.ErrorIs(t, err, domain.ErrConflict)
	u2, err := repo.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Nil(t, u2.ExternalIdentity)

	require.NoError(t, repo.ClearExternalIdentity(ctx, "u1"))
	u1, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, u1.ExternalIdentity)

	require.NoError(t, repo.SetExternalIdentity(ctx, "u2", "555"))
}

func TestUserRepo_UnknownUser(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepo(newDBForTest(t))

	_, err := repo.Get(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.SetExternalIdentity(ctx, "ghost", "555"), domain.ErrNotFound)
	assert.ErrorIs(t, repo.ClearExternalIdentity(ctx, "ghost"), domain.ErrNotFound)
}
