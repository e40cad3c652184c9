package local

import (
	"database/sql"
	"sync"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/trigger"
)

// jobRecord is the persisted timer intent for one job. Callables are bound
// in memory at registration time and never stored.
type jobRecord struct {
	JobID       string
	Name        string
	Trigger     *trigger.Config
	NextRunTime *time.Time
	Paused      bool
}

// JobStore persists timer intent for the lightweight backend. Implementations
// must be safe for concurrent use from the tick loop and API callers.
type JobStore interface {
	Save(rec *jobRecord) error
	Get(jobID string) (*jobRecord, error)
	List() ([]*jobRecord, error)
	Delete(jobID string) (bool, error)
	SetPaused(jobID string, paused bool) (bool, error)
	SetNextRun(jobID string, next *time.Time) error
}

// memoryStore keeps timer intent in a plain map. The default for
// single-process deployments where schedules are rebuilt at startup.
type memoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*jobRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*jobRecord)}
}

func (m *memoryStore) Save(rec *jobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	m.jobs[rec.JobID] = &clone
	return nil
}

func (m *memoryStore) Get(jobID string) (*jobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (m *memoryStore) List() ([]*jobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]*jobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		clone := *rec
		recs = append(recs, &clone)
	}
	return recs, nil
}

func (m *memoryStore) Delete(jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return false, nil
	}
	delete(m.jobs, jobID)
	return true, nil
}

func (m *memoryStore) SetPaused(jobID string, paused bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	rec.Paused = paused
	return true, nil
}

func (m *memoryStore) SetNextRun(jobID string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return errors.NewNotFoundError("job %s", jobID)
	}
	rec.NextRunTime = next
	return nil
}

// sqliteStore persists timer intent in the scheduler_jobs table so schedules
// survive process restarts. Callables are re-attached when the application
// re-registers its jobs.
type sqliteStore struct {
	db *sql.DB
}

func newSQLiteStore(db *sql.DB) *sqliteStore {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) Save(rec *jobRecord) error {
	cfg, err := rec.Trigger.MarshalJSON()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize trigger for job %s", rec.JobID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO scheduler_jobs (job_id, name, trigger_type, trigger_config, next_run_time, paused, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			name = excluded.name,
			trigger_type = excluded.trigger_type,
			trigger_config = excluded.trigger_config,
			next_run_time = excluded.next_run_time,
			paused = excluded.paused,
			updated_at = excluded.updated_at
	`
	_, err = s.db.Exec(query,
		rec.JobID,
		rec.Name,
		string(rec.Trigger.Type),
		string(cfg),
		nullableTime(rec.NextRunTime),
		rec.Paused,
		now,
		now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save job %s", rec.JobID)
	}
	return nil
}

func (s *sqliteStore) Get(jobID string) (*jobRecord, error) {
	row := s.db.QueryRow(`
		SELECT job_id, name, trigger_config, next_run_time, paused
		FROM scheduler_jobs WHERE job_id = ?`, jobID)

	rec, err := scanJobRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to get job %s", jobID)
	}
	return rec, nil
}

func (s *sqliteStore) List() ([]*jobRecord, error) {
	rows, err := s.db.Query(`
		SELECT job_id, name, trigger_config, next_run_time, paused
		FROM scheduler_jobs ORDER BY job_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var recs []*jobRecord
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *sqliteStore) Delete(jobID string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM scheduler_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete job %s", jobID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

func (s *sqliteStore) SetPaused(jobID string, paused bool) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE scheduler_jobs SET paused = ?, updated_at = ? WHERE job_id = ?`,
		paused, time.Now().UTC().Format(time.RFC3339), jobID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update job %s", jobID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

func (s *sqliteStore) SetNextRun(jobID string, next *time.Time) error {
	result, err := s.db.Exec(`
		UPDATE scheduler_jobs SET next_run_time = ?, updated_at = ? WHERE job_id = ?`,
		nullableTime(next), time.Now().UTC().Format(time.RFC3339), jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to update next run for job %s", jobID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("job %s", jobID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRecord(row rowScanner) (*jobRecord, error) {
	var rec jobRecord
	var triggerConfig string
	var nextRun sql.NullString

	if err := row.Scan(&rec.JobID, &rec.Name, &triggerConfig, &nextRun, &rec.Paused); err != nil {
		return nil, err
	}

	cfg, err := trigger.Parse([]byte(triggerConfig))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse trigger for job %s", rec.JobID)
	}
	rec.Trigger = cfg

	if nextRun.Valid {
		t, err := trigger.ParseTime(nextRun.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_run_time for job %s", rec.JobID)
		}
		rec.NextRunTime = &t
	}
	return &rec, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
