// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Id int

const (
	GuestUnreachableId Id = iota + 1
	AuthenticationFailedId
	ElevationFailedId
	RebuildFailedId
	InvalidInputId
	ConfigLoadFailedId
	MachineFactsInvalidId
	HistoryUnavailableId
)

type MarkdownMsg string

type HttpLink string

type Renderer interface {
	Render(in string, stylePath string) (string, error)
}

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink  // must never be empty
	extLinks []HttpLink  // external links that might be useful for the user
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range i.docLinks {
			md.WriteString("- <" + string(link) + ">\n")
		}
		for _, link := range i.extLinks {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	return render(md.String(), stylePath)
}

var (
	render = glamour.Render

	guestUnreachableIssue = &Issue{
		id: GuestUnreachableId,
		mdMsg: `
# Could not reach the guest!

The command channel to the virtual machine failed before provisioning could
finish. Files already moved into /etc/nixos stay in place.

## Things you can try:
- Check that the machine is running and its SSH port is forwarded:
~~~
$ ssh -p 2222 vagrant@127.0.0.1 true
~~~

- Raise the number of connection attempts:
~~~cue
transport: {
  connect_attempts: 10
}
~~~

- Re-run the provisioner; syncing is idempotent.`,
		docLinks: []HttpLink{"https://nixos.org/manual/nixos/stable/#sec-ssh"},
	}

	authenticationFailedIssue = &Issue{
		id: AuthenticationFailedId,
		mdMsg: `
# SSH authentication failed!

The guest rejected the configured credentials.

## Things you can try:
- Pass the private key used by the machine:
~~~
$ nixprov provision --identity ~/.vagrant.d/insecure_private_key
~~~

- Check the user name (defaults to 'vagrant')
- If known_hosts verification is enabled, make sure the guest key is listed`,
		docLinks: []HttpLink{"https://nixos.org/manual/nixos/stable/#sec-ssh"},
	}

	elevationFailedIssue = &Issue{
		id: ElevationFailedId,
		mdMsg: `
# Elevated command failed!

A command that needs root privileges on the guest did not succeed.
nixprov runs elevated commands through 'sudo -n', which never prompts.

## Things you can try:
- Allow password-less sudo for the provisioning user:
~~~nix
security.sudo.wheelNeedsPassword = false;
~~~

- Check that /etc/nixos exists and is writable by root`,
		docLinks: []HttpLink{"https://nixos.org/manual/nixos/stable/options#opt-security.sudo.wheelNeedsPassword"},
	}

	rebuildFailedIssue = &Issue{
		id: RebuildFailedId,
		mdMsg: `
# nixos-rebuild failed!

The configuration was written to /etc/nixos but the system could not switch
to it. The exit status of nixos-rebuild is used as the exit status of nixprov.

## Things you can try:
- Run again with verbose output to see the evaluation error:
~~~
$ nixprov provision --verbose
~~~

- Render the generated files without touching the guest:
~~~
$ nixprov render
~~~

- Check the vagrant-*.nix fragments on the guest for syntax errors`,
		docLinks: []HttpLink{"https://nixos.org/manual/nixos/stable/#sec-changing-config"},
	}

	invalidInputIssue = &Issue{
		id: InvalidInputId,
		mdMsg: `
# Invalid provisioner input!

The provisioner configuration points at something nixprov cannot read.
Nothing was sent to the guest.

## Input precedence:
1. inline
2. path
3. expression

## Things you can try:
- Check that the configured path exists on this machine
- Use an inline configuration instead:
~~~cue
provisioner: {
  inline: "{ services.nginx.enable = true; }"
}
~~~`,
		docLinks: []HttpLink{"https://nixos.org/manual/nix/stable/language/"},
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

There was an error loading your nixprov configuration file.

## Things you can try:
- Check the syntax of your config file:
~~~
$ nixprov config path
$ cat "$(nixprov config path)"
~~~

- Reset to a default configuration:
~~~
$ nixprov config init --force
~~~`,
		docLinks: []HttpLink{"https://cuelang.org/docs/"},
	}

	machineFactsInvalidIssue = &Issue{
		id: MachineFactsInvalidId,
		mdMsg: `
# Invalid machine facts file!

The machine facts file handed over by the VM manager is not valid TOML.

## Expected layout:
~~~toml
hostname = "web1"

[[networks]]
kind = "private_network"
ip = "192.168.56.10"
~~~

## Things you can try:
- Override facts on the command line:
~~~
$ nixprov provision --hostname web1 --private-network
~~~`,
		docLinks: []HttpLink{"https://toml.io/en/v1.0.0"},
	}

	historyUnavailableIssue = &Issue{
		id: HistoryUnavailableId,
		mdMsg: `
# Run history is unavailable!

The run history database could not be opened. Provisioning itself is not
affected.

## Things you can try:
- Check permissions of the history path
- Disable history:
~~~cue
history: {
  enabled: false
}
~~~`,
		docLinks: []HttpLink{"https://sqlite.org/wal.html"},
	}

	issues = map[Id]*Issue{
		guestUnreachableIssue.Id():     guestUnreachableIssue,
		authenticationFailedIssue.Id(): authenticationFailedIssue,
		elevationFailedIssue.Id():      elevationFailedIssue,
		rebuildFailedIssue.Id():        rebuildFailedIssue,
		invalidInputIssue.Id():         invalidInputIssue,
		configLoadFailedIssue.Id():     configLoadFailedIssue,
		machineFactsInvalidIssue.Id():  machineFactsInvalidIssue,
		historyUnavailableIssue.Id():   historyUnavailableIssue,
	}
)

func Values() []*Issue {
	return maps.Values(issues)
}

func Get(id Id) *Issue {
	return issues[id]
}
