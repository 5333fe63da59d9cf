package main

import (
	"fmt"
	"strings"
)

func (c *cli) runRoles(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
	switch args[0] {
	case "grant":
		return c.roleCall("roles grant", "roles_authorize", args[1:], true, true)
	case "revoke":
		return c.roleCall("roles revoke", "roles_revoke", args[1:], true, true)
	case "check":
		return c.roleCall("roles check", "roles_isAuthorized", args[1:], true, false)
	case "members":
		return c.roleCall("roles members", "roles_members", args[1:], false, false)
	default:
		fmt.Fprintf(c.stderr, "Unknown roles subcommand: %s\n", args[0])
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
}

func (c *cli) roleCall(name, method string, args []string, needIdentity, requireAuth bool) int {
	fs := c.flagSet(name)
	var role, identity string
	fs.StringVar(&role, "role", "", "oracle or arbiter")
	fs.StringVar(&identity, "identity", "", "bech32 identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(role) == "" {
		return c.fail("--role is required")
	}
	params := map[string]string{"role": role}
	if needIdentity {
		if strings.TrimSpace(identity) == "" {
			return c.fail("--identity is required")
		}
		params["identity"] = identity
	}
	return c.invoke(method, params, requireAuth)
}
