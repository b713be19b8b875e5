package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/isometry/directoryd/internal/config"
	"github.com/isometry/directoryd/internal/directory"
)

// principalView is the printable form of a principal. Credentials are
// never shown.
type principalView struct {
	Name       string            `json:"name"`
	ID         string            `json:"id,omitempty"`
	Kind       directory.Kind    `json:"kind"`
	Emails     []string          `json:"emails,omitempty"`
	Members    []string          `json:"members,omitempty"`
	MemberOf   []string          `json:"member_of,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	DN         string            `json:"dn,omitempty"`
	Credential bool              `json:"has_credential"`
}

func newPrincipalView(p *directory.Principal) principalView {
	return principalView{
		Name:       p.Name,
		ID:         p.ID,
		Kind:       p.Kind,
		Emails:     p.Emails,
		Members:    p.Members,
		MemberOf:   p.MemberOf,
		Attributes: p.Attributes,
		DN:         p.DN,
		Credential: p.HasCredential(),
	}
}

var lookupCmd = &cobra.Command{
	Use:   "lookup {by-name|by-email|by-id} VALUE",
	Short: "Find a principal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := directory.ParseQueryKind(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *config.Runtime) error {
			p, err := rt.Directory.FindPrincipal(ctx, backendID, kind, args[1])
			if err != nil {
				return err
			}
			return printPrincipal(cmd, newPrincipalView(p))
		})
	},
}

func printPrincipal(cmd *cobra.Command, v principalView) error {
	if outputJSON {
		return printJSON(cmd, v)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(w, "%s:\t%s\n", k, v)
		}
	}
	row("name", v.Name)
	row("id", v.ID)
	row("kind", string(v.Kind))
	row("dn", v.DN)
	row("emails", strings.Join(v.Emails, ", "))
	row("members", strings.Join(v.Members, ", "))
	row("member_of", strings.Join(v.MemberOf, ", "))
	for k, a := range v.Attributes {
		row(k, a)
	}
	row("credential", fmt.Sprint(v.Credential))
	return w.Flush()
}

var expandCmd = &cobra.Command{
	Use:   "expand LIST",
	Short: "List the transitive individual members of a group, list or alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *config.Runtime) error {
			members, err := rt.Directory.ExpandMembers(ctx, backendID, args[0])
			if err != nil {
				return err
			}
			names := make([]string, 0, len(members))
			for _, m := range members {
				names = append(names, m.Name)
			}
			return printLines(cmd, names)
		})
	},
}
