package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	rockettag "github.com/bradphelan/rocket-tag"
	"github.com/bradphelan/rocket-tag/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "rockettag",
		Short: "rockettag: tag records, alias tags and match records by tags",
		Long: `rockettag maintains the taggings of records in named tag contexts, the aliases
between tags, and answers ranked tag matching queries over a SQL store.

The taggable entity types and their contexts are declared in the config file:

  types:
    profile: [skills, languages]`,
		SilenceUsage: true,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().String("driver", "", "sql driver (sqlite3, sqlite, postgres, pgx)")
	rootCmd.PersistentFlags().String("data-source", "", "sql data source")

	rootCmd.AddCommand(tagCmd, tagsCmd, aliasCmd, matchCmd, similarCmd, countsCmd)
}

// app is the opened engine with the declared types.
type app struct {
	engine *rockettag.Engine
	types  map[string]*rockettag.TaggableType
}

func open(cmd *cobra.Command) (*app, error) {
	c, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if d, _ := cmd.Flags().GetString("driver"); d != "" {
		c.Storage.Driver = d
	}

	if ds, _ := cmd.Flags().GetString("data-source"); ds != "" {
		c.Storage.DataSource = ds
	}

	types, err := c.TaggableTypes()
	if err != nil {
		return nil, err
	}

	e, err := rockettag.New(c.Options())
	if err != nil {
		return nil, err
	}

	return &app{engine: e, types: types}, nil
}

func (a *app) typ(name string) (*rockettag.TaggableType, error) {
	t, ok := a.types[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown taggable type: %s", name)
	}

	return t, nil
}

func (a *app) close() { a.engine.Close() }

type matchOutput struct {
	ID    string `yaml:"id"`
	Count int    `yaml:"count"`
}

func writeMatches(w io.Writer, m []rockettag.Match) error {
	out := make([]matchOutput, len(m))
	for i, mi := range m {
		out[i] = matchOutput{ID: mi.Entity.ID, Count: mi.Count}
	}

	return writeYAML(w, out)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}

	return enc.Close()
}
