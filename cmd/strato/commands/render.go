package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/openstrato/openstrato/pkg/engine"
)

// actionSymbol maps plan actions to the single-character markers used in
// human-readable plan output.
func actionSymbol(a engine.Action) string {
	switch a {
	case engine.ActionCreate:
		return "+"
	case engine.ActionUpdate:
		return "~"
	case engine.ActionReplace:
		return "-/+"
	case engine.ActionDestroy:
		return "-"
	default:
		return " "
	}
}

// renderPlan writes a plan to w, as JSON when machine output is
// requested, otherwise as an indented step listing with a summary line.
func renderPlan(w io.Writer, plan *engine.Plan, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	fmt.Fprintf(w, "Plan %s (%s/%s)\n\n", plan.ID, plan.Backend, plan.Environment)

	if len(plan.ModuleOrder) > 0 {
		fmt.Fprintf(w, "Module order: %s\n\n", strings.Join(plan.ModuleOrder, " -> "))
	}

	for _, step := range plan.Steps {
		if step.Action == engine.ActionNoOp {
			continue
		}
		fmt.Fprintf(w, "  %-3s %s.%s (%s)\n", actionSymbol(step.Action), step.Module, step.Resource, step.Kind)
		if step.Reason != "" {
			fmt.Fprintf(w, "        %s\n", step.Reason)
		}
		if len(step.ChangedProperties) > 0 {
			fmt.Fprintf(w, "        changed: %s\n", strings.Join(step.ChangedProperties, ", "))
		}
		if step.Variant != nil && len(step.Variant.PolicyNotes) > 0 {
			for _, note := range step.Variant.PolicyNotes {
				fmt.Fprintf(w, "        policy: %s\n", note)
			}
		}
	}

	s := plan.Summary
	if !s.HasChanges() {
		fmt.Fprintf(w, "No changes. %d resource(s) up to date.\n", s.NoOp)
		return nil
	}
	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to destroy (%d unchanged).\n",
		s.ToCreate, s.ToUpdate, s.ToReplace, s.ToDestroy, s.NoOp)
	return nil
}

// renderApplyResult writes the outcome of an apply run.
func renderApplyResult(w io.Writer, result *engine.ApplyResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	status := "complete"
	if result.Partial {
		status = "PARTIAL"
	}
	fmt.Fprintf(w, "\nApply %s (run %s): %d applied, %d failed, %d skipped in %s\n",
		status, result.RunID, result.Applied, result.Failed, result.Skipped,
		result.CompletedAt.Sub(result.StartedAt).Round(10*time.Millisecond))

	if len(result.Outputs) > 0 {
		fmt.Fprintln(w, "\nOutputs:")
		renderOutputSet(w, result.Outputs, false)
	}
	return nil
}

// renderOutputSet prints output names and display values sorted by name.
// Sensitive values stay redacted unless raw is set.
func renderOutputSet(w io.Writer, set engine.OutputSet, raw bool) {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := set[name]
		if raw {
			fmt.Fprintf(w, "  %s = %v\n", name, v.Unwrap())
		} else {
			fmt.Fprintf(w, "  %s = %v\n", name, v.Display())
		}
	}
}
