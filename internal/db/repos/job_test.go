package repos

import (
	"time"

	"github.com/refinedata/refinery/internal/db/models"
)

func (s *DBRepositoryTestSuite) TestCreateJob() {
	job := s.createTestJob()

	s.NotEmpty(job.ID, "job should get a generated id")
	s.Equal(models.JobStatusPending, job.Status)
	s.Equal(models.DefaultMaxAttempts, job.MaxAttempts)
}

func (s *DBRepositoryTestSuite) TestCreateJobRejectsZeroOwner() {
	job := &models.Job{
		BlobID:        "blob-1",
		OnchainFileID: "file-1",
		PolicyID:      "policy-1",
	}
	err := s.jobRepo.Create(s.ctx, job)
	s.Error(err)
}

func (s *DBRepositoryTestSuite) TestGetByID() {
	owner := s.randomOwnerID()
	job := s.createTestJobForOwner(owner)

	found, err := s.jobRepo.GetByID(s.ctx, owner, job.ID)
	s.Require().NoError(err)
	s.Equal(job.ID, found.ID)
	s.Equal(owner, found.OwnerID)
}

func (s *DBRepositoryTestSuite) TestGetByIDWrongOwner() {
	owner := s.randomOwnerID()
	job := s.createTestJobForOwner(owner)

	_, err := s.jobRepo.GetByID(s.ctx, owner+1, job.ID)
	s.ErrorIs(err, ErrJobNotFound)
}

func (s *DBRepositoryTestSuite) TestGetByIDAdminBypass() {
	owner := s.randomOwnerID()
	job := s.createTestJobForOwner(owner)

	found, err := s.jobRepo.GetByID(s.ctx, models.AdminID, job.ID)
	s.Require().NoError(err)
	s.Equal(job.ID, found.ID)
}

func (s *DBRepositoryTestSuite) TestUpdateFields() {
	owner := s.randomOwnerID()
	job := s.createTestJobForOwner(owner)

	err := s.jobRepo.UpdateFields(s.ctx, job.ID, map[string]interface{}{
		models.JobStatusField:     models.JobStatusQueued,
		models.JobQueueJobIDField: "entry-1",
	})
	s.Require().NoError(err)

	found, err := s.jobRepo.GetByID(s.ctx, owner, job.ID)
	s.Require().NoError(err)
	s.Equal(models.JobStatusQueued, found.Status)
	s.Equal("entry-1", found.QueueJobID)
}

func (s *DBRepositoryTestSuite) TestUpdateFieldsUnknownJob() {
	err := s.jobRepo.UpdateFields(s.ctx, "no-such-job", map[string]interface{}{
		models.JobStatusField: models.JobStatusQueued,
	})
	s.ErrorIs(err, ErrJobNotFound)
}

func (s *DBRepositoryTestSuite) TestListFiltersAndPaging() {
	owner := s.randomOwnerID()
	for i := 0; i < 3; i++ {
		s.createTestJobForOwner(owner)
	}
	s.createCompletedJob(owner, time.Hour)
	// Another owner's job must not leak into the listing.
	s.createTestJob()

	all, err := s.jobRepo.List(s.ctx, owner, &models.ListOptions{Limit: 10})
	s.Require().NoError(err)
	s.Len(all, 4)

	completed := models.JobStatusCompleted
	filtered, err := s.jobRepo.List(s.ctx, owner, &models.ListOptions{
		Limit:  10,
		Status: &completed,
	})
	s.Require().NoError(err)
	s.Len(filtered, 1)

	page, err := s.jobRepo.List(s.ctx, owner, &models.ListOptions{Limit: 2, Offset: 2})
	s.Require().NoError(err)
	s.Len(page, 2)
}

func (s *DBRepositoryTestSuite) TestCount() {
	owner := s.randomOwnerID()
	s.createTestJobForOwner(owner)
	s.createTestJobForOwner(owner)

	count, err := s.jobRepo.Count(s.ctx, owner)
	s.Require().NoError(err)
	s.Equal(int64(2), count)
}

func (s *DBRepositoryTestSuite) TestCountByStatus() {
	owner := s.randomOwnerID()
	s.createTestJobForOwner(owner)
	s.createCompletedJob(owner, time.Hour)

	pending, err := s.jobRepo.CountByStatus(s.ctx, models.JobStatusPending)
	s.Require().NoError(err)
	s.Equal(int64(1), pending)

	completed, err := s.jobRepo.CountByStatus(s.ctx, models.JobStatusCompleted)
	s.Require().NoError(err)
	s.Equal(int64(1), completed)
}

func (s *DBRepositoryTestSuite) TestFindStuckJobs() {
	owner := s.randomOwnerID()
	stuck := s.createProcessingJob(owner, 15*time.Minute)
	s.createProcessingJob(owner, time.Minute)
	s.createTestJobForOwner(owner)

	found, err := s.jobRepo.FindStuckJobs(s.ctx, 10*time.Minute)
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal(stuck.ID, found[0].ID)
}

func (s *DBRepositoryTestSuite) TestFindLatestCompletedByOwner() {
	owner := s.randomOwnerID()

	none, err := s.jobRepo.FindLatestCompletedByOwner(s.ctx, owner)
	s.Require().NoError(err)
	s.Nil(none)

	s.createCompletedJob(owner, 2*time.Hour)
	latest := s.createCompletedJob(owner, time.Hour)

	found, err := s.jobRepo.FindLatestCompletedByOwner(s.ctx, owner)
	s.Require().NoError(err)
	s.Require().NotNil(found)
	s.Equal(latest.ID, found.ID)
}

func (s *DBRepositoryTestSuite) TestRemove() {
	owner := s.randomOwnerID()
	job := s.createTestJobForOwner(owner)

	s.Require().NoError(s.jobRepo.Remove(s.ctx, job.ID))

	_, err := s.jobRepo.GetByID(s.ctx, owner, job.ID)
	s.ErrorIs(err, ErrJobNotFound)
}

func (s *DBRepositoryTestSuite) TestRemoveOldCompletedJobs() {
	owner := s.randomOwnerID()
	s.createCompletedJob(owner, 8*24*time.Hour)
	kept := s.createCompletedJob(owner, 24*time.Hour)

	removed, err := s.jobRepo.RemoveOldCompletedJobs(s.ctx, 7)
	s.Require().NoError(err)
	s.Equal(int64(1), removed)

	found, err := s.jobRepo.GetByID(s.ctx, owner, kept.ID)
	s.Require().NoError(err)
	s.Equal(kept.ID, found.ID)
}

func (s *DBRepositoryTestSuite) TestCountCompletedSince() {
	owner := s.randomOwnerID()
	s.createCompletedJob(owner, 2*time.Hour)
	s.createCompletedJob(owner, 10*time.Minute)

	count, err := s.jobRepo.CountCompletedSince(s.ctx, time.Now().Add(-time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}
