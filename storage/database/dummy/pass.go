package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/trezcool/kibali/core"
	"github.com/trezcool/kibali/core/pass"
)

type passRepository struct {
	db *passTable
}

var _ pass.Repository = (*passRepository)(nil) // interface compliance check

func NewPassRepository(db *DB) pass.Repository {
	return &passRepository{db: db.pass}
}

func (repo *passRepository) query() []pass.Pass {
	passes := make([]pass.Pass, 0, len(repo.db.table))
	for _, p := range repo.db.table {
		passes = append(passes, *p)
	}
	return passes
}

func (repo *passRepository) CreatePass(ctx context.Context, p pass.Pass, _ ...core.DBExecutor) (pass.Pass, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.table[p.ID] = &p
	return p, nil
}

func (repo *passRepository) GetPassByID(ctx context.Context, id string, _ ...core.DBExecutor) (pass.Pass, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if p, ok := repo.db.table[id]; ok {
		return *p, nil
	}
	return pass.Pass{}, pass.ErrNotFound
}

func (repo *passRepository) GetActivePassByOTP(ctx context.Context, studentID, otp string, _ ...core.DBExecutor) (pass.Pass, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var matches []pass.Pass
	for _, p := range repo.query() {
		if p.StudentID == studentID && p.OTP == otp && p.OTP != "" && p.FinalStatus() == pass.StatusApproved {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return pass.Pass{}, pass.ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	return matches[0], nil
}

func (repo *passRepository) FilterPasses(ctx context.Context, filter pass.QueryFilter, orderings []core.DBOrdering, _ ...core.DBExecutor) ([]pass.Pass, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	passes := repo.query()
	matches := make([]pass.Pass, 0, len(passes))
	for _, p := range passes {
		if matchPass(p, filter) {
			matches = append(matches, p)
		}
	}
	// orderings beyond created_at are a DB concern; newest first here
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	return matches, nil
}

func matchPass(p pass.Pass, filter pass.QueryFilter) bool {
	if filter.StudentID != "" && p.StudentID != filter.StudentID {
		return false
	}
	if filter.Department != "" && p.Department != filter.Department {
		return false
	}
	if filter.Kind != "" && p.Kind != filter.Kind {
		return false
	}
	if filter.Status != "" && p.FinalStatus() != filter.Status {
		return false
	}
	if !filter.CreatedFrom.IsZero() && p.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && p.CreatedAt.After(filter.CreatedTo) {
		return false
	}
	return true
}

func (repo *passRepository) DecideTier(ctx context.Context, passID string, tier int, approve bool, approverID, comment string, _ ...core.DBExecutor) (pass.Pass, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	p, ok := repo.db.table[passID]
	if !ok {
		return pass.Pass{}, pass.ErrNotFound
	}
	if p.UsedAt != nil || p.ExpiredAt != nil {
		return pass.Pass{}, pass.ErrAlreadyDecided
	}

	status := pass.TierRejected
	if approve {
		status = pass.TierApproved
	}

	switch tier {
	case pass.TierOne:
		if p.Tier1Status != pass.TierPending {
			return pass.Pass{}, pass.ErrAlreadyDecided
		}
		p.Tier1Status = status
		p.Tier1ApproverID = approverID
		p.Tier1Comment = comment
		if !p.TwoTier {
			p.Tier2Status = status
		} else if status == pass.TierRejected {
			p.Tier2Status = pass.TierRejected
		}
	case pass.TierTwo:
		if p.Tier2Status != pass.TierPending || p.Tier1Status != pass.TierApproved {
			return pass.Pass{}, pass.ErrAlreadyDecided
		}
		p.Tier2Status = status
		p.Tier2ApproverID = approverID
		p.Tier2Comment = comment
	default:
		return pass.Pass{}, pass.ErrAlreadyDecided
	}
	p.UpdatedAt = time.Now().UTC()
	return *p, nil
}

func (repo *passRepository) SetCredential(ctx context.Context, passID string, cred pass.Credential, _ ...core.DBExecutor) (pass.Pass, bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	p, ok := repo.db.table[passID]
	if !ok {
		return pass.Pass{}, false, pass.ErrNotFound
	}
	if p.HasCredential() {
		return *p, false, nil
	}
	p.QRToken = cred.QRToken
	p.OTP = cred.OTP
	p.UpdatedAt = time.Now().UTC()
	return *p, true, nil
}

func (repo *passRepository) MarkUsed(ctx context.Context, passID string, at time.Time, _ ...core.DBExecutor) (pass.Pass, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	p, ok := repo.db.table[passID]
	if !ok {
		return pass.Pass{}, pass.ErrNotFound
	}
	if p.FinalStatus() != pass.StatusApproved {
		return pass.Pass{}, pass.ErrNotApproved
	}
	at = at.UTC()
	p.UsedAt = &at
	p.UpdatedAt = at
	return *p, nil
}

func (repo *passRepository) MarkExpired(ctx context.Context, passID string, at time.Time, _ ...core.DBExecutor) (pass.Pass, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	p, ok := repo.db.table[passID]
	if !ok {
		return pass.Pass{}, pass.ErrNotFound
	}
	if p.FinalStatus() != pass.StatusRejected {
		return pass.Pass{}, pass.ErrStatusChanged
	}
	at = at.UTC()
	p.ExpiredAt = &at
	p.UpdatedAt = at
	return *p, nil
}

func (repo *passRepository) SetDocumentPath(ctx context.Context, passID, path string, _ ...core.DBExecutor) (pass.Pass, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	p, ok := repo.db.table[passID]
	if !ok {
		return pass.Pass{}, pass.ErrNotFound
	}
	p.DocumentPath = path
	p.UpdatedAt = time.Now().UTC()
	return *p, nil
}
