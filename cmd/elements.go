package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/classify"
)

func newElementsCmd() *cobra.Command {
	var (
		role    string
		label   string
		limit   int
		jsonOut bool
	)

	elementsCmd := &cobra.Command{
		Use:   "elements <url>",
		Short: "List the interactive elements of a page, best candidates first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := normalizeURL(args[0])
			if err != nil {
				return err
			}
			q, err := parseQuery(role, label)
			if err != nil {
				return err
			}
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := e.openAt(cmd.Context(), target, false)
			if err != nil {
				return err
			}
			all, err := s.GetElements(cmd.Context())
			if err != nil {
				return err
			}
			elements := filterElements(all, q, limit)

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), elements)
			}
			return printElements(cmd.OutOrStdout(), elements)
		},
	}

	elementsCmd.Flags().StringVar(&role, "role", "", "only elements of this role (Button, TextInput, Link, ...)")
	elementsCmd.Flags().StringVar(&label, "label", "", "only elements whose label contains this text")
	elementsCmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of elements to list")
	elementsCmd.Flags().BoolVar(&jsonOut, "json", false, "print descriptors as JSON")
	return elementsCmd
}

func parseQuery(role, label string) (classify.Query, error) {
	q := classify.Query{Label: label}
	if role != "" {
		r, ok := classify.ParseRole(role)
		if !ok {
			return q, fmt.Errorf("unknown role %q", role)
		}
		q.Role = r
	}
	return q, nil
}

func filterElements(all []schemas.ElementDescriptor, q classify.Query, limit int) []schemas.ElementDescriptor {
	out := make([]schemas.ElementDescriptor, 0, len(all))
	for _, d := range all {
		if !q.Matches(d) {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
