package repos

import (
	"context"
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/refinedata/refinery/internal/db/models"
)

// DBRepositoryTestSuite provides a base test suite for repository tests
type DBRepositoryTestSuite struct {
	suite.Suite
	db       *gorm.DB
	ctx      context.Context
	jobRepo  *JobRepository
	userRepo *UserRepository
}

// randomOwnerID creates a random owner ID using crypto/rand
func (s *DBRepositoryTestSuite) randomOwnerID() uint {
	n, err := rand.Int(rand.Reader, big.NewInt(1000))
	s.Require().NoError(err, "Failed to generate random owner ID")
	return uint(n.Uint64() + 1) // +1 to avoid 0
}

func (s *DBRepositoryTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_json=1"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err, "Failed to create in-memory database")

	err = db.AutoMigrate(&models.Job{}, &models.User{})
	require.NoError(s.T(), err, "Failed to run database migrations")

	s.db = db
	s.jobRepo = NewJobRepository(s.db)
	s.userRepo = NewUserRepository(s.db)
	s.ctx = context.Background()
}

func (s *DBRepositoryTestSuite) TearDownTest() {
	s.db.Exec("DELETE FROM jobs")
	s.db.Exec("DELETE FROM users")
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

// Helper methods for creating test data

func (s *DBRepositoryTestSuite) createTestJob() *models.Job {
	return s.createTestJobForOwner(s.randomOwnerID())
}

func (s *DBRepositoryTestSuite) createTestJobForOwner(ownerID uint) *models.Job {
	job := &models.Job{
		OwnerID:       ownerID,
		Type:          models.JobTypeRefinement,
		Status:        models.JobStatusPending,
		BlobID:        "blob-1",
		OnchainFileID: "file-1",
		PolicyID:      "policy-1",
		Priority:      5,
	}
	err := s.jobRepo.Create(s.ctx, job)
	s.Require().NoError(err)
	return job
}

func (s *DBRepositoryTestSuite) createProcessingJob(ownerID uint, startedAgo time.Duration) *models.Job {
	job := s.createTestJobForOwner(ownerID)
	startedAt := time.Now().Add(-startedAgo)
	err := s.jobRepo.UpdateFields(s.ctx, job.ID, map[string]interface{}{
		models.JobStatusField:    models.JobStatusProcessing,
		models.JobStartedAtField: startedAt,
		models.JobWorkerIDField:  "worker-test-1",
	})
	s.Require().NoError(err)

	refreshed, err := s.jobRepo.GetByID(s.ctx, ownerID, job.ID)
	s.Require().NoError(err)
	return refreshed
}

func (s *DBRepositoryTestSuite) createCompletedJob(ownerID uint, completedAgo time.Duration) *models.Job {
	job := s.createTestJobForOwner(ownerID)
	completedAt := time.Now().Add(-completedAgo)
	err := s.jobRepo.UpdateFields(s.ctx, job.ID, map[string]interface{}{
		models.JobStatusField:      models.JobStatusCompleted,
		models.JobCompletedAtField: completedAt,
	})
	s.Require().NoError(err)

	refreshed, err := s.jobRepo.GetByID(s.ctx, ownerID, job.ID)
	s.Require().NoError(err)
	return refreshed
}

func (s *DBRepositoryTestSuite) createTestUser() *models.User {
	user := &models.User{
		Username: "test-user",
		Email:    "test-user@example.com",
	}
	err := s.userRepo.CreateUser(s.ctx, user)
	s.Require().NoError(err)
	return user
}

func TestDBRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(DBRepositoryTestSuite))
}
