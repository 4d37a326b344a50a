// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/nixprov/nixprov/internal/config"
	"github.com/nixprov/nixprov/internal/guest"
	"github.com/nixprov/nixprov/internal/issue"
	"github.com/nixprov/nixprov/internal/machine"
	"github.com/nixprov/nixprov/internal/nixos"
	"github.com/nixprov/nixprov/internal/ui"
)

// classifyProvisionError turns a provisioning failure into an
// ActionableError carrying the matching catalog entry, wrapped in an
// ExitError. A failed rebuild exits with the rebuild's own status.
func classifyProvisionError(err error, target string) *ExitError {
	ctx := issue.NewErrorContext().WithResource(target).Wrap(err)
	code := 1

	var (
		rebuildErr *nixos.RebuildFailedError
		inputErr   *nixos.InvalidInputError
		cmdErr     *nixos.CommandFailedError
	)
	switch {
	case errors.As(err, &rebuildErr) && rebuildErr.ElevationRefused(),
		errors.As(err, &cmdErr) && nixos.SudoRefused(cmdErr.Stderr):
		ctx.WithOperation("run a privileged command on the guest").
			WithIssue(issue.ElevationFailedId).
			WithSuggestion("Allow the guest user to run sudo without a password")
	case errors.As(err, &rebuildErr):
		code = rebuildErr.ExitStatus
		ctx.WithOperation("rebuild the system").
			WithIssue(issue.RebuildFailedId).
			WithSuggestions(
				"Re-run with --verbose to see the nixos-rebuild output",
				"The generated files stay in /etc/nixos for inspection",
			)
	case errors.As(err, &inputErr):
		ctx.WithOperation("read the provisioner input").
			WithResource(inputErr.Path).
			WithIssue(issue.InvalidInputId).
			WithSuggestion("Check provisioner.path in the configuration or the --path flag")
	case errors.Is(err, guest.ErrAuthentication):
		ctx.WithOperation("authenticate to the guest").
			WithIssue(issue.AuthenticationFailedId).
			WithSuggestion("Check transport.user, transport.password and transport.private_key")
	case errors.Is(err, guest.ErrChannel), nixos.Kind(err) == nixos.KindTransport:
		ctx.WithOperation("provision the guest").
			WithIssue(issue.GuestUnreachableId).
			WithSuggestion("Check that the guest is running and reachable over SSH")
	case errors.Is(err, machine.ErrInvalidFacts):
		ctx.WithOperation("read machine facts").
			WithIssue(issue.MachineFactsInvalidId)
	case errors.Is(err, config.ErrInvalidConfig):
		ctx.WithOperation("validate configuration").
			WithIssue(issue.ConfigLoadFailedId).
			WithSuggestion("Set the missing values in the config file or with flags")
	default:
		ctx.WithOperation("provision the guest")
	}

	return &ExitError{Code: code, Err: ctx.BuildError()}
}

// renderError prints err for the operator. ActionableErrors are shown with
// their suggestions and, in verbose mode, the catalog page.
func renderError(w io.Writer, err error, verbose bool) {
	out := ui.NewWriter(w, "", ui.SchemeAuto)

	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		out.Info("Error: "+err.Error(), ui.Options{NewLine: true, Style: ui.StyleAttention})
		return
	}

	out.Info("Error: "+ae.Format(verbose), ui.Options{NewLine: true, Style: ui.StyleAttention})
	if !verbose {
		return
	}
	if entry := ae.CatalogEntry(); entry != nil {
		rendered, renderErr := entry.Render("dark")
		if renderErr != nil {
			fmt.Fprintf(w, "failed to render issue catalog entry: %v\n", renderErr)
			return
		}
		fmt.Fprint(w, rendered)
	}
}
