package repo

import (
	"context"
	"database/sql"
	"strings"

	"cellarline/internal/domain"
)

const memberColumns = `id,winery_id,first_name,last_name,email,phone,notes,external_ref,created_at`

func scanMember(s interface{ Scan(...any) error }) (domain.Member, error) {
	var m domain.Member
	err := s.Scan(&m.ID, &m.WineryID, &m.FirstName, &m.LastName, &m.Email, &m.Phone, &m.Notes, &m.ExternalRef, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO members(`+memberColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.WineryID, m.FirstName, m.LastName, strings.ToLower(strings.TrimSpace(m.Email)), NormalizePhone(m.Phone), m.Notes, m.ExternalRef, m.CreatedAt)
	return err
}

func (r Repo) UpdateMemberContact(ctx context.Context, tx *sql.Tx, wineryID, id string, email, phone *string) error {
	m, err := r.GetMember(ctx, tx, wineryID, id)
	if err != nil {
		return err
	}
	if email != nil {
		m.Email = strings.ToLower(strings.TrimSpace(*email))
	}
	if phone != nil {
		m.Phone = NormalizePhone(*phone)
	}
	_, err = r.q(tx).ExecContext(ctx, `UPDATE members SET email=?, phone=? WHERE id=? AND winery_id=?`, m.Email, m.Phone, id, wineryID)
	return err
}

// GetMember resolves id inside wineryID only; a member of another winery is ErrNotFound.
func (r Repo) GetMember(ctx context.Context, tx *sql.Tx, wineryID, id string) (domain.Member, error) {
	return scanMember(r.q(tx).QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id=? AND winery_id=?`, id, wineryID))
}

// FindMemberByContact matches a sender address against member phone (sms, voice)
// or email. Ambiguous matches resolve to the oldest member.
func (r Repo) FindMemberByContact(ctx context.Context, tx *sql.Tx, wineryID string, source domain.Channel, from string) (domain.Member, error) {
	var col, val string
	switch source {
	case domain.ChannelSMS, domain.ChannelVoice:
		col, val = "phone", NormalizePhone(from)
	case domain.ChannelEmail:
		col, val = "email", strings.ToLower(strings.TrimSpace(from))
	default:
		return domain.Member{}, ErrNotFound
	}
	if val == "" {
		return domain.Member{}, ErrNotFound
	}
	return scanMember(r.q(tx).QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE winery_id=? AND `+col+`=? ORDER BY created_at ASC, id ASC LIMIT 1`, wineryID, val))
}

func (r Repo) ListMembers(ctx context.Context, wineryID string, limit int) ([]domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE winery_id=? ORDER BY last_name, first_name, id`
	args := []any{wineryID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// NormalizePhone strips formatting so "+61 400 111 222" and "+61400111222" match.
func NormalizePhone(p string) string {
	var b strings.Builder
	for i, c := range strings.TrimSpace(p) {
		if c >= '0' && c <= '9' || (c == '+' && i == 0) {
			b.WriteRune(c)
		}
	}
	return b.String()
}
