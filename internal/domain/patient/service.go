package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/platform/db"
)

var ErrPatientNotFound = errors.New("patient not found")

const maxMRNAttempts = 3

type Service struct {
	repo   Repository
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, mrnPrefix string, logger zerolog.Logger) *Service {
	return &Service{repo: repo, prefix: mrnPrefix, logger: logger, now: time.Now}
}

type CreateInput struct {
	FirstName string
	LastName  string
	Gender    string
	BirthDate *time.Time
	Phone     *string
	Email     *string
	Address   *string
}

// Create registers a patient with a generated medical record number in the
// same {PREFIX}{YYMM}-{NNNN} shape as bill numbers. The unique index on mrn
// is authoritative, so a conflicting insert regenerates and retries.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Patient, error) {
	if in.FirstName == "" || in.LastName == "" {
		return nil, fmt.Errorf("first_name and last_name are required")
	}
	gender := in.Gender
	if gender == "" {
		gender = "unknown"
	}
	if !validGenders[gender] {
		return nil, fmt.Errorf("invalid gender: %s", in.Gender)
	}

	p := &Patient{
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Gender:    gender,
		BirthDate: in.BirthDate,
		Phone:     in.Phone,
		Email:     in.Email,
		Address:   in.Address,
		Active:    true,
	}

	var err error
	for attempt := 0; attempt < maxMRNAttempts; attempt++ {
		p.MRN, err = s.nextMRN(ctx)
		if err != nil {
			return nil, err
		}
		if err = s.repo.Create(ctx, p); err == nil {
			return p, nil
		}
		if !db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("create patient: %w", err)
		}
		s.logger.Warn().Str("mrn", p.MRN).Msg("mrn conflict, regenerating")
	}
	return nil, fmt.Errorf("allocate mrn after %d attempts: %w", maxMRNAttempts, err)
}

func (s *Service) nextMRN(ctx context.Context) (string, error) {
	now := s.now()
	latest, err := s.repo.LatestMRN(ctx, s.prefix+now.Format("0601")+"-%")
	if err != nil {
		return "", fmt.Errorf("lookup latest mrn: %w", err)
	}
	seq, err := billing.NextSequence(latest)
	if err != nil {
		return "", fmt.Errorf("parse latest mrn: %w", err)
	}
	return billing.FormatNumber(s.prefix, now, seq), nil
}

type UpdateInput struct {
	FirstName string
	LastName  string
	Gender    string
	BirthDate *time.Time
	Phone     *string
	Email     *string
	Address   *string
	Active    *bool
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	if in.FirstName != "" {
		p.FirstName = in.FirstName
	}
	if in.LastName != "" {
		p.LastName = in.LastName
	}
	if in.Gender != "" {
		if !validGenders[in.Gender] {
			return nil, fmt.Errorf("invalid gender: %s", in.Gender)
		}
		p.Gender = in.Gender
	}
	if in.BirthDate != nil {
		p.BirthDate = in.BirthDate
	}
	if in.Phone != nil {
		p.Phone = in.Phone
	}
	if in.Email != nil {
		p.Email = in.Email
	}
	if in.Address != nil {
		p.Address = in.Address
	}
	if in.Active != nil {
		p.Active = *in.Active
	}

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	p, err := s.repo.GetByMRN(ctx, mrn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}
