package rockettag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sqlcmd "github.com/bradphelan/rocket-tag/sql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	moderncsqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	// package registers itself
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	sqlite3Driver  = "sqlite3"
	sqliteDriver   = "sqlite"
	postgresDriver = "postgres"
	pgxDriver      = "pgx"

	// DefaultDriverName is used as the default sql driver (sqlite3).
	DefaultDriverName = sqlite3Driver

	// DefaultDataSourceName is used as the default data source (rockettag.sqlite).
	DefaultDataSourceName = "rockettag.sqlite"
)

type queryer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// SQLStorage is the default storage, keeping the tags, the aliases and the taggings in a SQL database.
type SQLStorage struct {
	db     *sql.DB
	q      queryer
	tx     *sql.Tx
	driver string
}

func isSQLite(driverName string) bool {
	return driverName == sqlite3Driver || driverName == sqliteDriver
}

func schema(driverName string) ([]string, error) {
	switch {
	case isSQLite(driverName):
		return sqlcmd.SchemaSQLite, nil
	case driverName == postgresDriver || driverName == pgxDriver:
		return sqlcmd.SchemaPostgres, nil
	default:
		return nil, fmt.Errorf("driver %s: %w", driverName, ErrNotSupported)
	}
}

// NewSQLStorage opens the database and creates the schema when it doesn't exist.
func NewSQLStorage(o StorageOptions) (*SQLStorage, error) {
	if o.DriverName == "" {
		o.DriverName = DefaultDriverName
	}

	if o.DataSourceName == "" && isSQLite(o.DriverName) {
		o.DataSourceName = DefaultDataSourceName
	}

	db, err := sql.Open(o.DriverName, o.DataSourceName)
	if err != nil {
		return nil, err
	}

	if isSQLite(o.DriverName) {
		db.SetMaxOpenConns(1)
	}

	s, err := NewSQLStorageDB(db, o.DriverName)
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewSQLStorageDB creates a storage over an open database, and creates the schema when it doesn't exist.
func NewSQLStorageDB(db *sql.DB, driverName string) (*SQLStorage, error) {
	commands, err := schema(driverName)
	if err != nil {
		return nil, err
	}

	for _, c := range commands {
		if _, err := db.Exec(c); err != nil {
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &SQLStorage{
		db:     db,
		q:      db,
		driver: driverName,
	}, nil
}

// DB returns the underlying database.
func (s *SQLStorage) DB() *sql.DB { return s.db }

// WithTx returns a storage executing every operation in the host's transaction. Its Atomic method doesn't begin
// a new transaction, and the host is responsible for committing or rolling back.
func (s *SQLStorage) WithTx(tx *sql.Tx) *SQLStorage {
	return &SQLStorage{
		db:     s.db,
		q:      tx,
		tx:     tx,
		driver: s.driver,
	}
}

// Atomic runs fn in a transaction, or in the current one, when the storage is already bound to a transaction.
func (s *SQLStorage) Atomic(ctx context.Context, fn func(Storage) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer tx.Rollback()
	if err := fn(s.WithTx(tx)); err != nil {
		return err
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	var moderncErr *moderncsqlite.Error
	if errors.As(err, &moderncErr) {
		return moderncErr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE
	}

	return false
}

func scanTags(r *sql.Rows) ([]Tag, error) {
	defer r.Close()

	var tags []Tag
	for r.Next() {
		var t Tag
		if err := r.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}

		tags = append(tags, t)
	}

	return tags, r.Err()
}

// FindOrCreateTag implements Storage.
func (s *SQLStorage) FindOrCreateTag(ctx context.Context, name string) (Tag, error) {
	if _, err := s.q.ExecContext(ctx, sqlcmd.InsertTag, name); err != nil {
		return Tag{}, fmt.Errorf("creating tag %s: %w", name, err)
	}

	var t Tag
	if err := s.q.QueryRowContext(ctx, sqlcmd.GetTag, name).Scan(&t.ID, &t.Name); err != nil {
		return Tag{}, fmt.Errorf("reading tag %s: %w", name, err)
	}

	return t, nil
}

// TagsByName implements Storage.
func (s *SQLStorage) TagsByName(ctx context.Context, names []string) ([]Tag, error) {
	if len(names) == 0 {
		return nil, nil
	}

	var p params
	r, err := s.q.QueryContext(ctx, fmt.Sprintf(sqlcmd.GetTagsByName, p.list(names)), p.values...)
	if err != nil {
		return nil, err
	}

	return scanTags(r)
}

// Tags implements Storage.
func (s *SQLStorage) Tags(ctx context.Context) ([]Tag, error) {
	r, err := s.q.QueryContext(ctx, sqlcmd.GetTags)
	if err != nil {
		return nil, err
	}

	return scanTags(r)
}

// AliasesOf implements Storage.
func (s *SQLStorage) AliasesOf(ctx context.Context, tagID int64) ([]Tag, error) {
	r, err := s.q.QueryContext(ctx, sqlcmd.GetAliases, tagID, tagID)
	if err != nil {
		return nil, err
	}

	return scanTags(r)
}

func edge(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}

	return a, b
}

// InsertAlias implements Storage.
func (s *SQLStorage) InsertAlias(ctx context.Context, tagID, aliasID int64) error {
	if tagID == aliasID {
		return nil
	}

	a, b := edge(tagID, aliasID)
	_, err := s.q.ExecContext(ctx, sqlcmd.InsertAlias, a, b)
	return err
}

// DeleteAlias implements Storage.
func (s *SQLStorage) DeleteAlias(ctx context.Context, tagID, aliasID int64) error {
	a, b := edge(tagID, aliasID)
	_, err := s.q.ExecContext(ctx, sqlcmd.DeleteAlias, a, b)
	return err
}

// DeleteTaggings implements Storage.
func (s *SQLStorage) DeleteTaggings(ctx context.Context, entity EntityRef, context string) error {
	_, err := s.q.ExecContext(ctx, sqlcmd.DeleteTaggings, entity.Type, entity.ID, context)
	return err
}

// DeleteAllTaggings implements Storage.
func (s *SQLStorage) DeleteAllTaggings(ctx context.Context, entity EntityRef) error {
	_, err := s.q.ExecContext(ctx, sqlcmd.DeleteAllTaggings, entity.Type, entity.ID)
	return err
}

// InsertTaggings implements Storage.
func (s *SQLStorage) InsertTaggings(
	ctx context.Context,
	entity EntityRef,
	context string,
	tagIDs []int64,
	tagger *EntityRef,
) error {
	var taggerType, taggerID string
	if tagger != nil {
		taggerType, taggerID = tagger.Type, tagger.ID
	}

	now := time.Now().UTC()
	for _, id := range tagIDs {
		_, err := s.q.ExecContext(
			ctx,
			sqlcmd.InsertTagging,
			id,
			entity.Type,
			entity.ID,
			taggerType,
			taggerID,
			context,
			now,
		)

		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("tag %d on %s in %s: %w", id, entity, context, ErrDuplicateTagging)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// TaggingsFor implements Storage.
func (s *SQLStorage) TaggingsFor(ctx context.Context, entity EntityRef) ([]Tagging, error) {
	r, err := s.q.QueryContext(ctx, sqlcmd.GetTaggings, entity.Type, entity.ID)
	if err != nil {
		return nil, err
	}

	defer r.Close()

	var taggings []Tagging
	for r.Next() {
		var (
			t                    Tagging
			taggerType, taggerID string
		)

		if err := r.Scan(&t.Tag.ID, &t.Tag.Name, &t.Context, &taggerType, &taggerID, &t.CreatedAt); err != nil {
			return nil, err
		}

		t.Entity = entity
		if taggerType != "" || taggerID != "" {
			t.Tagger = &EntityRef{Type: taggerType, ID: taggerID}
		}

		taggings = append(taggings, t)
	}

	return taggings, r.Err()
}

// TagCounts implements Storage.
func (s *SQLStorage) TagCounts(ctx context.Context, taggableType string, contexts []string) ([]TagCount, error) {
	var p params
	p.add(taggableType)

	var condition string
	if len(contexts) > 0 {
		condition = " and t.context in (" + p.list(contexts) + ")"
	}

	r, err := s.q.QueryContext(ctx, fmt.Sprintf(sqlcmd.GetTagCounts, condition), p.values...)
	if err != nil {
		return nil, err
	}

	defer r.Close()

	var counts []TagCount
	for r.Next() {
		var c TagCount
		if err := r.Scan(&c.ID, &c.Name, &c.Count); err != nil {
			return nil, err
		}

		counts = append(counts, c)
	}

	return counts, r.Err()
}

// MatchEntities implements Storage.
func (s *SQLStorage) MatchEntities(ctx context.Context, plan *Plan) ([]Match, error) {
	if len(plan.Slots) == 0 {
		return nil, nil
	}

	var p params
	query := matchQuery(&p, plan, false)
	r, err := s.q.QueryContext(ctx, query, p.values...)
	if err != nil {
		return nil, err
	}

	defer r.Close()

	var m []Match
	for r.Next() {
		mi := Match{Entity: EntityRef{Type: plan.Type}}
		if err := r.Scan(&mi.Entity.ID, &mi.Count); err != nil {
			return nil, err
		}

		m = append(m, mi)
	}

	return m, r.Err()
}

// FilterEntities implements Storage.
func (s *SQLStorage) FilterEntities(ctx context.Context, taggableType string, c Condition) ([]string, error) {
	var p params
	query := "select distinct f.taggable_id from taggings f where f.taggable_type = " + p.add(taggableType) +
		" and " + conditionQuery(&p, c) + " order by f.taggable_id"

	r, err := s.q.QueryContext(ctx, query, p.values...)
	if err != nil {
		return nil, err
	}

	defer r.Close()

	var ids []string
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, r.Err()
}

// Close closes the database, unless the storage is bound to a transaction.
func (s *SQLStorage) Close() {
	if s.tx == nil {
		s.db.Close()
	}
}

// params collects the query arguments. The placeholders must be added in the order of their appearance in the
// query text, because the sqlite drivers number the $N parameters by appearance.
type params struct {
	values []any
}

func (p *params) add(v any) string {
	p.values = append(p.values, v)
	return "$" + strconv.Itoa(len(p.values))
}

func (p *params) list(values []string) string {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = p.add(v)
	}

	return strings.Join(ph, ", ")
}

func slotCondition(p *params, s Slot) string {
	c := "g.name in (" + p.list(s.Names) + ")"
	if len(s.Contexts) > 0 {
		c += " and t.context in (" + p.list(s.Contexts) + ")"
	}

	return "(" + c + ")"
}

// matchQuery builds the grouped, counted query of a plan. The match count of an entity is the sum of the
// satisfied slots, so that a tagging satisfying multiple slots, or multiple taggings satisfying the same slot,
// don't distort the count.
func matchQuery(p *params, plan *Plan, idsOnly bool) string {
	var b strings.Builder

	if idsOnly {
		b.WriteString("select m.taggable_id from (")
	} else {
		b.WriteString("select m.taggable_id, m.match_count from (")
	}

	b.WriteString("select t.taggable_id as taggable_id, ")
	for i, s := range plan.Slots {
		if i > 0 {
			b.WriteString(" + ")
		}

		b.WriteString("max(case when " + slotCondition(p, s) + " then 1 else 0 end)")
	}

	b.WriteString(" as match_count from taggings t join tags g on g.id = t.tag_id where t.taggable_type = ")
	b.WriteString(p.add(plan.Type))
	b.WriteString(" and (")
	for i, s := range plan.Slots {
		if i > 0 {
			b.WriteString(" or ")
		}

		b.WriteString(slotCondition(p, s))
	}

	b.WriteString(") group by t.taggable_id) m where m.match_count >= ")
	b.WriteString(p.add(plan.MinCount()))

	if plan.Exclude != "" {
		b.WriteString(" and m.taggable_id <> " + p.add(plan.Exclude))
	}

	if plan.Exact {
		distinct := "x.tag_id"
		if plan.PerContext {
			distinct = "x.context || ':' || cast(x.tag_id as text)"
		}

		b.WriteString(" and (select count(distinct " + distinct + ") from taggings x where x.taggable_type = ")
		b.WriteString(p.add(plan.Type))
		b.WriteString(" and x.taggable_id = m.taggable_id")
		if len(plan.Scope) > 0 {
			b.WriteString(" and x.context in (" + p.list(plan.Scope) + ")")
		}

		b.WriteString(") = " + p.add(len(plan.Slots)))
	}

	if !idsOnly {
		b.WriteString(" order by m.match_count desc, m.taggable_id")
	}

	return b.String()
}

func conditionQuery(p *params, c Condition) string {
	switch c := c.(type) {
	case *Plan:
		if len(c.Slots) == 0 {
			return "1 = 0"
		}

		return "f.taggable_id in (" + matchQuery(p, c, true) + ")"
	case AllOf:
		if len(c) == 0 {
			return "1 = 1"
		}

		parts := make([]string, len(c))
		for i, ci := range c {
			parts[i] = conditionQuery(p, ci)
		}

		return "(" + strings.Join(parts, " and ") + ")"
	case AnyOf:
		if len(c) == 0 {
			return "1 = 0"
		}

		parts := make([]string, len(c))
		for i, ci := range c {
			parts[i] = conditionQuery(p, ci)
		}

		return "(" + strings.Join(parts, " or ") + ")"
	default:
		return "1 = 0"
	}
}
