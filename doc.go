/*
Package rockettag provides tagging for arbitrary records, with named tag contexts, tag aliases and ranked tag
matching.

An entity type declares its tag contexts, e.g. "skills" and "languages", once, at startup, with
NewTaggableType. The tag lists of a loaded entity instance are cached in memory: they are loaded on the first
read, and the assigned contexts are only persisted when the host calls Engine.Flush, typically inside its own
commit. Flushing replaces the taggings of every dirty context in a single transaction.

Tags can be aliases of each other. Adding an alias connects the two tags and their current aliases pairwise,
while removing one drops only the single direct edge. Matching queries expand every query tag with its direct
aliases.

Engine.Match returns the entities matching a flat tag list or a per-context tag map, ordered by the number of
satisfied query tags. The All, Exact, Min and On options narrow the result. Engine.Similar returns the entities
sharing tags with a given entity, and Engine.Filter evaluates boolean combinations of tag criteria.

The tags, the aliases and the taggings are kept in a storage. The default storage is SQL based (sqlite or
postgres), and it can be replaced with a custom implementation of the Storage interface. The alias lists of the
most often queried tags are cached in memory. The cache entries affected by the alias mutations of an engine
are dropped by the same engine, while the mutations made by other engines over the same storage become
visible when the entries expire (CacheOptions.TTL).
*/
package rockettag
