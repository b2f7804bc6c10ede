package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	prep "github.com/goliatone/go-prep"
	"github.com/uptrace/bun"
)

// ProfileModel is the Bun model for profile documents
type ProfileModel struct {
	bun.BaseModel `bun:"table:profiles"`

	UID         string         `bun:"uid,pk"`
	Role        string         `bun:"role"`
	DisplayName string         `bun:"display_name"`
	Email       string         `bun:"email"`
	PhotoURL    string         `bun:"photo_url"`
	Fields      map[string]any `bun:"fields,type:jsonb"`
	CreatedAt   time.Time      `bun:"created_at,nullzero"`
	UpdatedAt   time.Time      `bun:"updated_at,nullzero"`
}

// ProfileRepository implements prep.ProfileStore using Bun
type ProfileRepository struct {
	db *bun.DB
}

var _ prep.ProfileStore = (*ProfileRepository)(nil)

// NewProfileRepository creates a new repository
func NewProfileRepository(db *bun.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Migrate brings the profiles schema up to date
func (r *ProfileRepository) Migrate(ctx context.Context) error {
	_, err := RunMigrations(ctx, r.db)
	return err
}

// GetProfile implements prep.ProfileStore.
func (r *ProfileRepository) GetProfile(ctx context.Context, uid string) (*prep.ProfileDocument, error) {
	model, err := r.find(ctx, r.db, uid)
	if err != nil {
		return nil, err
	}
	return toDocument(model), nil
}

// SaveProfile implements prep.ProfileStore. The document is merged into
// the stored row inside a transaction.
func (r *ProfileRepository) SaveProfile(ctx context.Context, doc *prep.ProfileDocument) error {
	if doc == nil || doc.UID == "" {
		return goerrors.New("profile document needs a uid", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest)
	}

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := r.find(ctx, tx, doc.UID)
		switch {
		case prep.IsProfileNotFound(err):
			next := &prep.ProfileDocument{UID: doc.UID}
			doc.MergeInto(next)
			_, err = tx.NewInsert().Model(fromDocument(next)).Exec(ctx)
		case err != nil:
			return err
		default:
			next := toDocument(current)
			doc.MergeInto(next)
			_, err = tx.NewUpdate().Model(fromDocument(next)).WherePK().Exec(ctx)
		}
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to save profile").
				WithMetadata(map[string]any{"uid": doc.UID})
		}
		return nil
	})
}

func (r *ProfileRepository) find(ctx context.Context, db bun.IDB, uid string) (*ProfileModel, error) {
	model := &ProfileModel{}
	err := db.NewSelect().
		Model(model).
		Where("uid = ?", uid).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, prep.ErrProfileNotFound
	}
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load profile").
			WithMetadata(map[string]any{"uid": uid})
	}
	return model, nil
}

func toDocument(m *ProfileModel) *prep.ProfileDocument {
	doc := &prep.ProfileDocument{
		UID:         m.UID,
		Role:        prep.Role(m.Role),
		DisplayName: m.DisplayName,
		Email:       m.Email,
		PhotoURL:    m.PhotoURL,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	for k, v := range m.Fields {
		doc.AddField(k, normalizeJSON(v))
	}
	return doc
}

func fromDocument(d *prep.ProfileDocument) *ProfileModel {
	fields := d.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return &ProfileModel{
		UID:         d.UID,
		Role:        string(d.Role),
		DisplayName: d.DisplayName,
		Email:       d.Email,
		PhotoURL:    d.PhotoURL,
		Fields:      fields,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// normalizeJSON turns arrays of strings read back from JSON into []string
func normalizeJSON(v any) any {
	items, ok := v.([]any)
	if !ok {
		return v
	}
	strs := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return v
		}
		strs = append(strs, s)
	}
	return strs
}
