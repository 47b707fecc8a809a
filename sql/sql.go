// Package sql contains the SQL commands of the default storage. The commands use numbered parameters ($1, $2,
// ...), in the order of their appearance, so that they work with both the sqlite and the postgres drivers.
package sql

// SchemaSQLite creates the tables and the indexes for the sqlite drivers.
var SchemaSQLite = []string{
	`create table if not exists tags (
		id integer primary key autoincrement,
		name text not null unique
	)`,
	`create table if not exists taggings (
		id integer primary key autoincrement,
		tag_id integer not null references tags (id) on delete cascade,
		taggable_type text not null,
		taggable_id text not null,
		tagger_type text not null default '',
		tagger_id text not null default '',
		context text not null,
		created_at timestamp not null
	)`,
	`create table if not exists tag_aliases (
		tag_id integer not null references tags (id) on delete cascade,
		alias_id integer not null references tags (id) on delete cascade,
		primary key (tag_id, alias_id),
		check (tag_id < alias_id)
	)`,
	cmdIndexTaggingsUnique,
	cmdIndexTaggingsTag,
	cmdIndexTaggingsTaggable,
	cmdIndexAliases,
}

// SchemaPostgres creates the tables and the indexes for the postgres drivers.
var SchemaPostgres = []string{
	`create table if not exists tags (
		id bigserial primary key,
		name text not null unique
	)`,
	`create table if not exists taggings (
		id bigserial primary key,
		tag_id bigint not null references tags (id) on delete cascade,
		taggable_type text not null,
		taggable_id text not null,
		tagger_type text not null default '',
		tagger_id text not null default '',
		context text not null,
		created_at timestamptz not null
	)`,
	`create table if not exists tag_aliases (
		tag_id bigint not null references tags (id) on delete cascade,
		alias_id bigint not null references tags (id) on delete cascade,
		primary key (tag_id, alias_id),
		check (tag_id < alias_id)
	)`,
	cmdIndexTaggingsUnique,
	cmdIndexTaggingsTag,
	cmdIndexTaggingsTaggable,
	cmdIndexAliases,
}

const (
	cmdIndexTaggingsUnique = `create unique index if not exists taggings_unique
		on taggings (tag_id, taggable_type, taggable_id, context, tagger_type, tagger_id)`

	cmdIndexTaggingsTag = `create index if not exists taggings_tag_id on taggings (tag_id)`

	cmdIndexTaggingsTaggable = `create index if not exists taggings_taggable
		on taggings (taggable_id, taggable_type, context)`

	cmdIndexAliases = `create index if not exists tag_aliases_alias_id on tag_aliases (alias_id)`
)

const (
	// InsertTag creates a tag unless it exists.
	InsertTag = `insert into tags (name) values ($1) on conflict do nothing`

	// GetTag selects a tag by name.
	GetTag = `select id, name from tags where name = $1`

	// GetTagsByName selects the tags by name. It must be formatted with the list of the parameters.
	GetTagsByName = `select id, name from tags where name in (%s) order by name`

	// GetTags selects all tags.
	GetTags = `select id, name from tags order by name`

	// GetAliases selects the tags on the other side of the alias edges of a tag. The tag id is expected twice.
	GetAliases = `
		select g.id, g.name from tag_aliases a join tags g on g.id = a.alias_id where a.tag_id = $1
		union
		select g.id, g.name from tag_aliases a join tags g on g.id = a.tag_id where a.alias_id = $2
		order by name`

	// InsertAlias stores an alias edge with the lower id first.
	InsertAlias = `insert into tag_aliases (tag_id, alias_id) values ($1, $2) on conflict do nothing`

	// DeleteAlias removes an alias edge with the lower id first.
	DeleteAlias = `delete from tag_aliases where tag_id = $1 and alias_id = $2`

	// DeleteTaggings removes the taggings of an entity in a context.
	DeleteTaggings = `delete from taggings where taggable_type = $1 and taggable_id = $2 and context = $3`

	// DeleteAllTaggings removes all the taggings of an entity.
	DeleteAllTaggings = `delete from taggings where taggable_type = $1 and taggable_id = $2`

	// InsertTagging stores a tagging.
	InsertTagging = `
		insert into taggings (tag_id, taggable_type, taggable_id, tagger_type, tagger_id, context, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)`

	// GetTaggings selects the taggings of an entity in insertion order.
	GetTaggings = `
		select g.id, g.name, t.context, t.tagger_type, t.tagger_id, t.created_at
		from taggings t join tags g on g.id = t.tag_id
		where t.taggable_type = $1 and t.taggable_id = $2
		order by t.id`

	// GetTagCounts selects the tags of an entity type with the number of taggings. It must be formatted with
	// an optional context condition.
	GetTagCounts = `
		select g.id, g.name, count(*) as tags_count
		from taggings t join tags g on g.id = t.tag_id
		where t.taggable_type = $1%s
		group by g.id, g.name
		order by tags_count desc, g.name`
)
