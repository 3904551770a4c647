package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pushbot/internal/campaign"
	"pushbot/internal/delivery"
	"pushbot/internal/directory"
	logx "pushbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// sqlStore implements Store over database/sql. Queries are written with '?'
// placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + string(s.dialect) + ".sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.dialect, err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rebinds '?' placeholders to $1..$n on postgres.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// page renders LIMIT/OFFSET; limit <= 0 means no limit.
func (s *sqlStore) page(offset, limit int) (string, []any) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit > 0:
		return " LIMIT ? OFFSET ?", []any{limit, offset}
	case offset == 0:
		return "", nil
	case s.dialect == dialectSQLite:
		return " LIMIT -1 OFFSET ?", []any{offset}
	default:
		return " OFFSET ?", []any{offset}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- campaigns ----

const campaignCols = `id, title, content, recipients, scheduled_at, status, sent_count, created_by, created_at, updated_at, completed_at, version`

func (s *sqlStore) InsertCampaign(ctx context.Context, c campaign.Campaign) error {
	content, recipients, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO campaigns(`+campaignCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`),
		c.ID, c.Title, content, recipients, nanosPtr(c.ScheduledAt), string(c.Status), c.SentCount,
		c.CreatedBy, nanos(c.CreatedAt), nanos(c.UpdatedAt), nanosPtr(c.CompletedAt), c.Version,
	)
	return err
}

func (s *sqlStore) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`), id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return c, err
}

func (s *sqlStore) UpdateCampaign(ctx context.Context, c campaign.Campaign, expectVersion int64) error {
	content, recipients, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE campaigns SET
		title = ?, content = ?, recipients = ?, scheduled_at = ?, status = ?, sent_count = ?,
		updated_at = ?, completed_at = ?, version = ?
		WHERE id = ? AND version = ?`),
		c.Title, content, recipients, nanosPtr(c.ScheduledAt), string(c.Status), c.SentCount,
		nanos(c.UpdatedAt), nanosPtr(c.CompletedAt), c.Version,
		c.ID, expectVersion,
	)
	if err != nil {
		return err
	}
	return s.checkCAS(ctx, res, `SELECT 1 FROM campaigns WHERE id = ?`, c.ID, campaign.ErrNotFound, campaign.ErrVersionConflict)
}

func (s *sqlStore) DeleteCampaign(ctx context.Context, id string, expectVersion int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM campaigns WHERE id = ? AND version = ?`), id, expectVersion)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM campaigns WHERE id = ?`), id).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return 0, campaign.ErrNotFound
		case err != nil:
			return 0, err
		}
		return 0, campaign.ErrVersionConflict
	}
	res, err = tx.ExecContext(ctx, s.q(`DELETE FROM delivery_logs WHERE campaign_id = ?`), id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// checkCAS tells a missing row from a stale version when a guarded write touched nothing.
func (s *sqlStore) checkCAS(ctx context.Context, res sql.Result, existsQuery string, key any, notFound, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.q(existsQuery), key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	return conflict
}

func (s *sqlStore) ListCampaigns(ctx context.Context, f campaign.Filter, p campaign.Page) ([]campaign.Campaign, error) {
	query := `SELECT ` + campaignCols + ` FROM campaigns`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	clause, pargs := s.page(p.Offset, p.Limit)
	return s.queryCampaigns(ctx, query+clause, append(args, pargs...)...)
}

func (s *sqlStore) DueCampaigns(ctx context.Context, now time.Time, limit int) ([]campaign.Campaign, error) {
	query := `SELECT ` + campaignCols + ` FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC`
	clause, pargs := s.page(0, limit)
	args := append([]any{string(campaign.StatusScheduled), nanos(now)}, pargs...)
	return s.queryCampaigns(ctx, query+clause, args...)
}

func (s *sqlStore) queryCampaigns(ctx context.Context, query string, args ...any) ([]campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []campaign.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountCampaigns(ctx context.Context) (map[campaign.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM campaigns GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[campaign.Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[campaign.Status(st)] = n
	}
	return out, rows.Err()
}

func encodeCampaign(c campaign.Campaign) (content, recipients string, err error) {
	cb, err := json.Marshal(c.Content)
	if err != nil {
		return "", "", fmt.Errorf("encode content: %w", err)
	}
	ids := c.Recipients
	if ids == nil {
		ids = []int64{}
	}
	rb, err := json.Marshal(ids)
	if err != nil {
		return "", "", fmt.Errorf("encode recipients: %w", err)
	}
	return string(cb), string(rb), nil
}

func scanCampaign(r rowScanner) (campaign.Campaign, error) {
	var (
		c                    campaign.Campaign
		content, recipients  string
		status               string
		created, updated     int64
		scheduled, completed sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.Title, &content, &recipients, &scheduled, &status, &c.SentCount,
		&c.CreatedBy, &created, &updated, &completed, &c.Version); err != nil {
		return campaign.Campaign{}, err
	}
	if err := json.Unmarshal([]byte(content), &c.Content); err != nil {
		return campaign.Campaign{}, fmt.Errorf("decode content of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(recipients), &c.Recipients); err != nil {
		return campaign.Campaign{}, fmt.Errorf("decode recipients of %s: %w", c.ID, err)
	}
	c.Status = campaign.Status(status)
	c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
	c.ScheduledAt, c.CompletedAt = fromNullNanos(scheduled), fromNullNanos(completed)
	return c, nil
}

// ---- delivery log ----

const logCols = `id, campaign_id, recipient_id, status, error, attempts, chat_id, message_id, sent_at, delivered_at, read_at, retracted_at, created_at, updated_at, version`

func (s *sqlStore) InsertLogIfAbsent(ctx context.Context, e delivery.Entry) (delivery.Entry, bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO delivery_logs(`+logCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (campaign_id, recipient_id) DO NOTHING`),
		e.ID, e.CampaignID, e.RecipientID, string(e.Status), e.Error, e.Attempts, e.Ref.ChatID, e.Ref.MessageID,
		nanosPtr(e.SentAt), nanosPtr(e.DeliveredAt), nanosPtr(e.ReadAt), nanosPtr(e.RetractedAt),
		nanos(e.CreatedAt), nanos(e.UpdatedAt), e.Version,
	)
	if err != nil {
		return delivery.Entry{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return delivery.Entry{}, false, err
	}
	stored, err := s.GetLog(ctx, e.CampaignID, e.RecipientID)
	return stored, n > 0, err
}

func (s *sqlStore) GetLog(ctx context.Context, campaignID string, recipientID int64) (delivery.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+logCols+` FROM delivery_logs WHERE campaign_id = ? AND recipient_id = ?`), campaignID, recipientID)
	e, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Entry{}, delivery.ErrNotFound
	}
	return e, err
}

func (s *sqlStore) FindLogByRef(ctx context.Context, ref delivery.MessageRef) (delivery.Entry, error) {
	if ref.IsZero() {
		return delivery.Entry{}, delivery.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+logCols+` FROM delivery_logs WHERE chat_id = ? AND message_id = ? LIMIT 1`), ref.ChatID, ref.MessageID)
	e, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Entry{}, delivery.ErrNotFound
	}
	return e, err
}

func (s *sqlStore) UpdateLog(ctx context.Context, e delivery.Entry, expectVersion int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE delivery_logs SET
		status = ?, error = ?, attempts = ?, chat_id = ?, message_id = ?,
		sent_at = ?, delivered_at = ?, read_at = ?, retracted_at = ?, updated_at = ?, version = ?
		WHERE campaign_id = ? AND recipient_id = ? AND version = ?`),
		string(e.Status), e.Error, e.Attempts, e.Ref.ChatID, e.Ref.MessageID,
		nanosPtr(e.SentAt), nanosPtr(e.DeliveredAt), nanosPtr(e.ReadAt), nanosPtr(e.RetractedAt),
		nanos(e.UpdatedAt), e.Version,
		e.CampaignID, e.RecipientID, expectVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	if _, err := s.GetLog(ctx, e.CampaignID, e.RecipientID); err != nil {
		return err
	}
	return delivery.ErrVersionConflict
}

func (s *sqlStore) ListLogs(ctx context.Context, f delivery.Filter, offset, limit int) ([]delivery.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.CampaignID != "" {
		where = append(where, "campaign_id = ?")
		args = append(args, f.CampaignID)
	}
	if f.RecipientID != 0 {
		where = append(where, "recipient_id = ?")
		args = append(args, f.RecipientID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + logCols + ` FROM delivery_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, recipient_id ASC`
	clause, pargs := s.page(offset, limit)
	args = append(args, pargs...)

	rows, err := s.db.QueryContext(ctx, s.q(query+clause), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []delivery.Entry{}
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountLogs(ctx context.Context) (delivery.Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM delivery_logs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := delivery.Counts{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[delivery.Status(st)] = n
	}
	return out, rows.Err()
}

func scanLog(r rowScanner) (delivery.Entry, error) {
	var (
		e                          delivery.Entry
		status                     string
		created, updated           int64
		sent, delivered, read, ret sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.CampaignID, &e.RecipientID, &status, &e.Error, &e.Attempts,
		&e.Ref.ChatID, &e.Ref.MessageID, &sent, &delivered, &read, &ret,
		&created, &updated, &e.Version); err != nil {
		return delivery.Entry{}, err
	}
	e.Status = delivery.Status(status)
	e.SentAt, e.DeliveredAt = fromNullNanos(sent), fromNullNanos(delivered)
	e.ReadAt, e.RetractedAt = fromNullNanos(read), fromNullNanos(ret)
	e.CreatedAt, e.UpdatedAt = fromNanos(created), fromNanos(updated)
	return e, nil
}

// ---- recipients ----

const recipientCols = `id, chat_id, username, first_name, last_name, active, last_interaction_at, created_at, updated_at`

func (s *sqlStore) UpsertRecipient(ctx context.Context, r directory.Recipient) (directory.Recipient, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return directory.Recipient{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`INSERT INTO recipients(chat_id, username, first_name, last_name, active, last_interaction_at, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT (chat_id) DO NOTHING`),
		r.ChatID, r.Username, r.FirstName, r.LastName, boolInt(r.Active),
		nanos(r.LastInteractionAt), nanos(r.CreatedAt), nanos(r.UpdatedAt),
	)
	if err != nil {
		return directory.Recipient{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return directory.Recipient{}, false, err
	}
	created := n > 0
	if !created {
		_, err = tx.ExecContext(ctx, s.q(`UPDATE recipients SET
			username = ?, first_name = ?, last_name = ?, active = ?, last_interaction_at = ?, updated_at = ?
			WHERE chat_id = ?`),
			r.Username, r.FirstName, r.LastName, boolInt(r.Active), nanos(r.LastInteractionAt), nanos(r.UpdatedAt),
			r.ChatID,
		)
		if err != nil {
			return directory.Recipient{}, false, err
		}
	}
	out, err := scanRecipient(tx.QueryRowContext(ctx, s.q(`SELECT `+recipientCols+` FROM recipients WHERE chat_id = ?`), r.ChatID))
	if err != nil {
		return directory.Recipient{}, false, err
	}
	return out, created, tx.Commit()
}

func (s *sqlStore) GetRecipient(ctx context.Context, id int64) (directory.Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx, s.q(`SELECT `+recipientCols+` FROM recipients WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Recipient{}, directory.ErrNotFound
	}
	return r, err
}

func (s *sqlStore) ListRecipients(ctx context.Context, activeOnly bool, offset, limit int) ([]directory.Recipient, error) {
	query := `SELECT ` + recipientCols + ` FROM recipients`
	var args []any
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id ASC`
	clause, pargs := s.page(offset, limit)
	args = append(args, pargs...)

	rows, err := s.db.QueryContext(ctx, s.q(query+clause), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []directory.Recipient{}
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetRecipientActive(ctx context.Context, id int64, active bool, at time.Time) (directory.Recipient, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE recipients SET active = ?, updated_at = ? WHERE id = ?`), boolInt(active), nanos(at), id)
	if err != nil {
		return directory.Recipient{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return directory.Recipient{}, err
	} else if n == 0 {
		return directory.Recipient{}, directory.ErrNotFound
	}
	return s.GetRecipient(ctx, id)
}

func (s *sqlStore) CountRecipients(ctx context.Context) (int, int, error) {
	var total, active sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(active) FROM recipients`).Scan(&total, &active)
	return int(total.Int64), int(active.Int64), err
}

func scanRecipient(r rowScanner) (directory.Recipient, error) {
	var (
		rec                    directory.Recipient
		active                 int
		last, created, updated int64
	)
	if err := r.Scan(&rec.ID, &rec.ChatID, &rec.Username, &rec.FirstName, &rec.LastName, &active, &last, &created, &updated); err != nil {
		return directory.Recipient{}, err
	}
	rec.Active = active != 0
	rec.LastInteractionAt, rec.CreatedAt, rec.UpdatedAt = fromNanos(last), fromNanos(created), fromNanos(updated)
	return rec, nil
}

// ---- audit ----

func (s *sqlStore) AppendAudit(ctx context.Context, r campaign.AuditRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit(at, actor, action, campaign_id, ok, fail, err, took_ms, meta)
		VALUES(?,?,?,?,?,?,?,?,?)`),
		nanos(r.At), r.Actor, r.Action, r.CampaignID, r.OK, r.Fail, nullStr(r.Error), r.TookMS, nullStr(r.Meta),
	)
	return err
}

func (s *sqlStore) ListAudit(ctx context.Context, campaignID string, limit int) ([]campaign.AuditRecord, error) {
	query := `SELECT at, actor, action, campaign_id, ok, fail, err, took_ms, meta FROM audit`
	var args []any
	if campaignID != "" {
		query += ` WHERE campaign_id = ?`
		args = append(args, campaignID)
	}
	query += ` ORDER BY id DESC`
	clause, pargs := s.page(0, limit)
	args = append(args, pargs...)

	rows, err := s.db.QueryContext(ctx, s.q(query+clause), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []campaign.AuditRecord{}
	for rows.Next() {
		var (
			r        campaign.AuditRecord
			at       int64
			msg, mta sql.NullString
		)
		if err := rows.Scan(&at, &r.Actor, &r.Action, &r.CampaignID, &r.OK, &r.Fail, &msg, &r.TookMS, &mta); err != nil {
			return nil, err
		}
		r.At, r.Error, r.Meta = fromNanos(at), msg.String, mta.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- encoding helpers ----

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
