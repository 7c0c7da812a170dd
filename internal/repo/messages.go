package repo

import (
	"context"
	"database/sql"

	"cellarline/internal/domain"
)

const messageColumns = `id,winery_id,member_id,source,direction,body,raw_json,from_addr,to_addr,external_id,received_at`

func scanMessage(s interface{ Scan(...any) error }) (domain.Message, error) {
	var m domain.Message
	var memberID, externalID sql.NullString
	err := s.Scan(&m.ID, &m.WineryID, &memberID, &m.Source, &m.Direction, &m.Body, &m.RawJSON, &m.From, &m.To, &externalID, &m.ReceivedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.MemberID = ptr(memberID)
	m.ExternalID = externalID.String
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO messages(`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.WineryID, nullableStringPtr(m.MemberID), m.Source, m.Direction, m.Body, m.RawJSON, m.From, m.To, nullable(m.ExternalID), m.ReceivedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, tx *sql.Tx, wineryID, id string) (domain.Message, error) {
	return scanMessage(r.q(tx).QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=? AND winery_id=?`, id, wineryID))
}

// GetMessageByExternalID finds a previously ingested provider message.
func (r Repo) GetMessageByExternalID(ctx context.Context, tx *sql.Tx, wineryID, externalID string) (domain.Message, error) {
	if externalID == "" {
		return domain.Message{}, ErrNotFound
	}
	return scanMessage(r.q(tx).QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE winery_id=? AND external_id=?`, wineryID, externalID))
}
