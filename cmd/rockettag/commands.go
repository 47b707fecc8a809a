package main

import (
	"strings"

	"github.com/spf13/cobra"

	rockettag "github.com/bradphelan/rocket-tag"
)

var tagCmd = &cobra.Command{
	Use:   "tag TYPE ID CONTEXT TAGS",
	Short: "Replace the tags of a record in a context",
	Long: `Replace the tags of a record in a context. TAGS is a comma separated list, where
the tags can be quoted to contain a comma, e.g.: ruby, "rails, 7", go`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}

		defer a.close()
		t, err := a.typ(args[0])
		if err != nil {
			return err
		}

		entity := a.engine.Entity(t, args[1])
		if err := entity.Assign(args[2], args[3]); err != nil {
			return err
		}

		return a.engine.Flush(cmd.Context(), entity)
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags TYPE ID",
	Short: "Print the tags of a record by context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}

		defer a.close()
		t, err := a.typ(args[0])
		if err != nil {
			return err
		}

		entity := a.engine.Entity(t, args[1])
		out := make(map[string][]string)
		for _, c := range t.Contexts() {
			tags, err := entity.Get(cmd.Context(), c)
			if err != nil {
				return err
			}

			out[c] = tags
		}

		return writeYAML(cmd.OutOrStdout(), out)
	},
}

var aliasCmd = &cobra.Command{
	Use:   "alias",
	Short: "Manage tag aliases",
}

var aliasAddCmd = &cobra.Command{
	Use:   "add TAG ALIAS",
	Short: "Make two tags, and their current aliases, aliases of each other",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}

		defer a.close()
		if create, _ := cmd.Flags().GetBool("create"); create {
			for _, name := range args {
				if _, err := a.engine.FindOrCreateTag(cmd.Context(), name); err != nil {
					return err
				}
			}
		}

		return a.engine.AddAlias(cmd.Context(), args[0], args[1])
	},
}

var aliasRemoveCmd = &cobra.Command{
	Use:   "rm TAG ALIAS",
	Short: "Remove the alias edge between two tags",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}

		defer a.close()
		return a.engine.RemoveAlias(cmd.Context(), args[0], args[1])
	},
}

var aliasSetCmd = &cobra.Command{
	Use:   "set TAG ALIASES",
	Short: "Replace the aliases of a tag with a comma separated list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}

		defer a.close()
		return a.engine.SetAliases(cmd.Context(), args[0], rockettag.ParseTags(args[1]))
	},
}

var aliasListCmd = &cobra.Command{
	Use:   "ls TAG",
	Short: "Print the direct aliases of a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}

		defer a.close()
		aliases, err := a.engine.AliasesOf(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		names := make([]string, len(aliases))
		for i, t := range aliases {
			names[i] = t.Name
		}

		return writeYAML(cmd.OutOrStdout(), names)
	},
}

var matchCmd = &cobra.Command{
	Use:   "match TYPE [CONTEXT=]TAGS...",
	Short: "Print the records matching the tags, by descending match count",
	Long: `Print the records matching the tags, by descending match count. Every argument
is a comma separated tag list, optionally prefixed with a context, e.g.:

  rockettag match profile skills=go,sql languages=german

When any argument has a context prefix, every tag matches only in its own context.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}

		defer a.close()
		t, err := a.typ(args[0])
		if err != nil {
			return err
		}

		var o rockettag.MatchOptions
		o.On, _ = cmd.Flags().GetStringSlice("on")
		o.All, _ = cmd.Flags().GetBool("all")
		o.Exact, _ = cmd.Flags().GetBool("exact")
		o.Min, _ = cmd.Flags().GetInt("min")

		m, err := a.engine.Match(cmd.Context(), t, parseQuery(args[1:]), o)
		if err != nil {
			return err
		}

		return writeMatches(cmd.OutOrStdout(), m)
	},
}

// parseQuery creates a flat query, unless any of the arguments is prefixed with a context.
func parseQuery(args []string) rockettag.Query {
	var (
		flat      []string
		byContext map[string][]string
	)

	for _, arg := range args {
		if c, tags, ok := strings.Cut(arg, "="); ok && !strings.HasPrefix(c, `"`) {
			if byContext == nil {
				byContext = make(map[string][]string)
			}

			byContext[c] = append(byContext[c], rockettag.ParseTags(tags)...)
			continue
		}

		flat = append(flat, rockettag.ParseTags(arg)...)
	}

	if byContext == nil {
		return rockettag.Tags(flat...)
	}

	if len(flat) > 0 {
		byContext[rockettag.DefaultContext] = append(byContext[rockettag.DefaultContext], flat...)
	}

	return rockettag.ByContext(byContext)
}

var similarCmd = &cobra.Command{
	Use:   "similar TYPE ID",
	Short: "Print the records sharing tags with a record, by descending match count",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}

		defer a.close()
		t, err := a.typ(args[0])
		if err != nil {
			return err
		}

		on, _ := cmd.Flags().GetStringSlice("on")
		m, err := a.engine.Similar(cmd.Context(), a.engine.Entity(t, args[1]), on...)
		if err != nil {
			return err
		}

		return writeMatches(cmd.OutOrStdout(), m)
	},
}

var countsCmd = &cobra.Command{
	Use:   "counts TYPE",
	Short: "Print the tags used by the records of a type, by descending usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}

		defer a.close()
		t, err := a.typ(args[0])
		if err != nil {
			return err
		}

		on, _ := cmd.Flags().GetStringSlice("on")
		counts, err := a.engine.TagCounts(cmd.Context(), t, on...)
		if err != nil {
			return err
		}

		type countOutput struct {
			Tag   string `yaml:"tag"`
			Count int    `yaml:"count"`
		}

		out := make([]countOutput, len(counts))
		for i, c := range counts {
			out[i] = countOutput{Tag: c.Name, Count: c.Count}
		}

		return writeYAML(cmd.OutOrStdout(), out)
	},
}

func init() {
	aliasAddCmd.Flags().Bool("create", false, "create the tags when they don't exist")
	aliasCmd.AddCommand(aliasAddCmd, aliasRemoveCmd, aliasSetCmd, aliasListCmd)

	matchCmd.Flags().StringSlice("on", nil, "restrict the matching to these contexts")
	matchCmd.Flags().Bool("all", false, "require every tag to match")
	matchCmd.Flags().Bool("exact", false, "require every tag to match, and no other tags in the matched contexts")
	matchCmd.Flags().Int("min", 0, "require at least this many matching tags")

	similarCmd.Flags().StringSlice("on", nil, "compare only these contexts")
	countsCmd.Flags().StringSlice("on", nil, "count only these contexts")
}
