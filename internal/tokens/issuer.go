// Package tokens issues and redeems single-use member action links.
package tokens

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"cellarline/internal/domain"
	"cellarline/internal/repo"
)

// secretBytes of entropy encode to a 43 character base64url secret.
const secretBytes = 32

type Issuer struct {
	Repo repo.Repo
	Now  func() time.Time
	Rand io.Reader
}

type IssueRequest struct {
	WineryID string
	MemberID string
	TaskID   *string
	Type     domain.TokenType
	Channel  domain.Channel
	Target   string
	Payload  map[string]any
	TTL      time.Duration
	// Secret is drawn here when empty. Callers that must embed the link
	// before the token row exists pass one from NewSecret.
	Secret string
}

// Validation is the outcome of checking a secret without claiming it.
type Validation struct {
	Valid  bool
	Token  domain.MemberActionToken
	Reason domain.TokenFailure
}

func (i Issuer) now() time.Time {
	if i.Now == nil {
		return time.Now().UTC()
	}
	return i.Now().UTC()
}

// NewSecret draws a fresh URL-safe secret from r (crypto/rand when nil).
func NewSecret(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates a token inside tx. Any earlier live token for the same task
// and type is expired first, so a task has at most one redeemable link per type.
func (i Issuer) Issue(ctx context.Context, tx *sql.Tx, req IssueRequest) (domain.MemberActionToken, error) {
	switch {
	case req.WineryID == "":
		return domain.MemberActionToken{}, domain.Invalid("winery_id", "required")
	case req.MemberID == "":
		return domain.MemberActionToken{}, domain.Invalid("member_id", "required")
	case !req.Type.Valid():
		return domain.MemberActionToken{}, domain.Invalid("type", "unknown member action "+string(req.Type))
	case !req.Channel.ValidSource():
		return domain.MemberActionToken{}, domain.Invalid("channel", "cannot deliver a link over "+string(req.Channel))
	case strings.TrimSpace(req.Target) == "":
		return domain.MemberActionToken{}, domain.Invalid("target", "required")
	case req.TTL <= 0:
		return domain.MemberActionToken{}, domain.Invalid("ttl", "must be positive")
	}
	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = NewSecret(i.Rand); err != nil {
			return domain.MemberActionToken{}, err
		}
	} else if len(secret) < base64.RawURLEncoding.EncodedLen(secretBytes) {
		return domain.MemberActionToken{}, domain.Invalid("secret", "too short")
	}
	now := i.now()
	ts := domain.FormatTime(now)
	if req.TaskID != nil {
		if _, err := i.Repo.RevokeTokens(ctx, tx, req.WineryID, *req.TaskID, req.Type, revokedAt(now)); err != nil {
			return domain.MemberActionToken{}, domain.Storage("revoke tokens", err)
		}
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	tok := domain.MemberActionToken{
		ID:        uuid.NewString(),
		MemberID:  req.MemberID,
		WineryID:  req.WineryID,
		TaskID:    req.TaskID,
		Type:      req.Type,
		Channel:   req.Channel,
		Token:     secret,
		Target:    req.Target,
		Payload:   payload,
		ExpiresAt: domain.FormatTime(now.Add(req.TTL)),
		CreatedAt: ts,
	}
	if err := i.Repo.InsertToken(ctx, tx, tok); err != nil {
		return domain.MemberActionToken{}, domain.Storage("insert token", err)
	}
	return tok, nil
}

// Validate reports whether secret is redeemable right now. A used token is
// ALREADY_USED even after it also expired.
func (i Issuer) Validate(ctx context.Context, tx *sql.Tx, secret string) (Validation, error) {
	if strings.TrimSpace(secret) == "" {
		return Validation{Reason: domain.TokenNotFound}, nil
	}
	tok, err := i.Repo.GetTokenBySecret(ctx, tx, secret)
	if errors.Is(err, repo.ErrNotFound) {
		return Validation{Reason: domain.TokenNotFound}, nil
	}
	if err != nil {
		return Validation{}, domain.Storage("read token", err)
	}
	return Validation{Valid: true, Token: tok}.classify(i.now()), nil
}

func (v Validation) classify(now time.Time) Validation {
	if v.Token.UsedAt != nil {
		return Validation{Token: v.Token, Reason: domain.TokenAlreadyUsed}
	}
	exp, err := domain.ParseTime(v.Token.ExpiresAt)
	if err != nil || now.After(exp) {
		return Validation{Token: v.Token, Reason: domain.TokenExpired}
	}
	return Validation{Valid: true, Token: v.Token}
}

// Redeem claims secret inside tx with a compare-and-set on used_at. Exactly
// one of any number of concurrent callers succeeds; the rest get TokenInvalidError.
func (i Issuer) Redeem(ctx context.Context, tx *sql.Tx, secret string) (domain.MemberActionToken, error) {
	now := i.now()
	ts := domain.FormatTime(now)
	won, err := i.Repo.MarkTokenUsed(ctx, tx, secret, ts)
	if err != nil {
		return domain.MemberActionToken{}, domain.Storage("claim token", err)
	}
	if !won {
		v, err := i.Validate(ctx, tx, secret)
		if err != nil {
			return domain.MemberActionToken{}, err
		}
		reason := v.Reason
		if reason == "" {
			// lost a race between the claim and the re-read
			reason = domain.TokenAlreadyUsed
		}
		return domain.MemberActionToken{}, domain.TokenInvalidError{Reason: reason}
	}
	tok, err := i.Repo.GetTokenBySecret(ctx, tx, secret)
	if err != nil {
		return domain.MemberActionToken{}, domain.Storage("read token", err)
	}
	return tok, nil
}

// RevokeForTask expires every outstanding token for a task.
func (i Issuer) RevokeForTask(ctx context.Context, tx *sql.Tx, wineryID, taskID string) (int64, error) {
	n, err := i.Repo.RevokeTokens(ctx, tx, wineryID, taskID, "", revokedAt(i.now()))
	if err != nil {
		return 0, domain.Storage("revoke tokens", err)
	}
	return n, nil
}

// revokedAt is the expiry written on revocation: strictly before now, since
// a token is still valid at the instant it expires.
func revokedAt(now time.Time) string {
	return domain.FormatTime(now.Add(-time.Microsecond))
}

// Sweep deletes unused tokens that expired more than olderThan ago.
func (i Issuer) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, domain.Invalid("older_than", "must not be negative")
	}
	n, err := i.Repo.DeleteExpiredTokens(ctx, domain.FormatTime(i.now().Add(-olderThan)))
	if err != nil {
		return 0, domain.Storage("sweep tokens", err)
	}
	return n, nil
}
