package endpoint

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an endpoint id has no row.
var ErrNotFound = errors.New("endpoint not found")

// Endpoint is a registered webhook receiver. Deliveries reference it by id
// only; the URL, secret, and timeout live here.
type Endpoint struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	URL            string        `json:"url"`
	Secret         string        `json:"secret,omitempty"`
	Timeout        time.Duration `json:"timeout"`
	Disabled       bool          `json:"disabled"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Store is the endpoint configuration collaborator backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// generateSecret generates a random base64-encoded string of length n
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create registers a new endpoint. A signing secret is generated when none
// is supplied.
func (s *Store) Create(ctx context.Context, organizationID, rawURL, secret string, timeout time.Duration) (Endpoint, error) {
	if organizationID == "" || rawURL == "" {
		return Endpoint{}, errors.New("organization_id and url are required")
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return Endpoint{}, fmt.Errorf("invalid url: %w", err)
	}
	if secret == "" {
		var err error
		secret, err = generateSecret(32) // 256-bit
		if err != nil {
			return Endpoint{}, err
		}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	ep := Endpoint{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		URL:            rawURL,
		Secret:         secret,
		Timeout:        timeout,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hookline.endpoints(id, organization_id, url, secret, timeout_seconds)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		ep.ID, ep.OrganizationID, ep.URL, ep.Secret, int(timeout.Seconds()),
	).Scan(&ep.CreatedAt)
	if err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Get loads one endpoint by id.
func (s *Store) Get(ctx context.Context, id string) (Endpoint, error) {
	var (
		ep      Endpoint
		timeout int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, organization_id, url, secret, timeout_seconds, disabled, created_at
		FROM hookline.endpoints WHERE id=$1`, id,
	).Scan(&ep.ID, &ep.OrganizationID, &ep.URL, &ep.Secret, &timeout, &ep.Disabled, &ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Endpoint{}, ErrNotFound
	}
	if err != nil {
		return Endpoint{}, err
	}
	ep.Timeout = time.Duration(timeout) * time.Second
	return ep, nil
}

// List returns an organization's endpoints, newest first. Secrets are not
// included.
func (s *Store) List(ctx context.Context, organizationID string) ([]Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, url, timeout_seconds, disabled, created_at
		FROM hookline.endpoints
		WHERE $1 = '' OR organization_id = $1
		ORDER BY created_at DESC`,
		organizationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var (
			ep      Endpoint
			timeout int
		)
		if err := rows.Scan(&ep.ID, &ep.OrganizationID, &ep.URL, &timeout, &ep.Disabled, &ep.CreatedAt); err != nil {
			return nil, err
		}
		ep.Timeout = time.Duration(timeout) * time.Second
		out = append(out, ep)
	}
	return out, rows.Err()
}

// SetDisabled flips delivery on or off for an endpoint without losing its
// configuration.
func (s *Store) SetDisabled(ctx context.Context, id string, disabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE hookline.endpoints SET disabled=$2 WHERE id=$1`, id, disabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
