package router

import (
	"fmt"
	"sort"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// ArgType is the JSON type an argument must have.
type ArgType string

const (
	TypeString  ArgType = "string"
	TypeNumber  ArgType = "number"
	TypeBoolean ArgType = "boolean"
)

// Arg declares one argument of a tool.
type Arg struct {
	Name        string
	Type        ArgType
	Required    bool
	Description string
	Min, Max    *float64 // numbers only
}

// Tool is one allow-listed function.
type Tool struct {
	Name        entities.ToolName
	Description string
	Args        []Arg
}

// Registry is the allow-list. Tools are kept in registration order.
type Registry struct {
	order []entities.ToolName
	tools map[entities.ToolName]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[entities.ToolName]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := r.tools[t.Name]; !dup {
			r.order = append(r.order, t.Name)
		}
		r.tools[t.Name] = t
	}
	return r
}

func ptr(f float64) *float64 { return &f }

// DefaultTools returns the orchestrator's allow-list.
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        entities.ToolStartInspection,
			Description: "Launch the drone to scan the room with its ranging sensors. Use only when the user asked for an inspection or confirmed one.",
			Args: []Arg{
				{Name: "reason", Type: TypeString, Description: "Short note on why the inspection is requested."},
				{Name: "timeout_s", Type: TypeNumber, Description: "Maximum scan time in seconds.", Min: ptr(5), Max: ptr(300)},
			},
		},
		{
			Name:        entities.ToolReportStatus,
			Description: "Report the current sensor readings, indicator LED and drone session state.",
		},
		{
			Name:        entities.ToolResetIndicator,
			Description: "Switch the indicator LED off.",
		},
	}
}

func (r *Registry) Lookup(name entities.ToolName) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []entities.ToolName {
	return append([]entities.ToolName(nil), r.order...)
}

// validate checks args against the tool schema. Undeclared args are rejected.
func (t Tool) validate(args map[string]any) error {
	declared := make(map[string]Arg, len(t.Args))
	for _, a := range t.Args {
		declared[a.Name] = a
	}
	extra := make([]string, 0)
	for k := range args {
		if _, ok := declared[k]; !ok {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("%s: undeclared arguments %v", t.Name, extra)
	}
	for _, a := range t.Args {
		v, present := args[a.Name]
		if !present || v == nil {
			if a.Required {
				return fmt.Errorf("%s: missing required argument %q", t.Name, a.Name)
			}
			continue
		}
		if err := a.check(v); err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
	}
	return nil
}

func (a Arg) check(v any) error {
	switch a.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("argument %q must be a string", a.Name)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("argument %q must be a boolean", a.Name)
		}
	case TypeNumber:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("argument %q must be a number", a.Name)
		}
		if a.Min != nil && f < *a.Min {
			return fmt.Errorf("argument %q = %g below minimum %g", a.Name, f, *a.Min)
		}
		if a.Max != nil && f > *a.Max {
			return fmt.Errorf("argument %q = %g above maximum %g", a.Name, f, *a.Max)
		}
	default:
		return fmt.Errorf("argument %q has unsupported type %q", a.Name, a.Type)
	}
	return nil
}

// Definition renders a tool as an OpenAI-style function definition.
type Definition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Definitions renders the named tools (all when names is empty) in registration order.
func (r *Registry) Definitions(names ...entities.ToolName) []Definition {
	want := make(map[entities.ToolName]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]Definition, 0, len(r.order))
	for _, n := range r.order {
		if len(names) > 0 && !want[n] {
			continue
		}
		out = append(out, r.tools[n].definition())
	}
	return out
}

func (t Tool) definition() Definition {
	props := make(map[string]any, len(t.Args))
	required := make([]string, 0)
	for _, a := range t.Args {
		p := map[string]any{"type": string(a.Type)}
		if a.Description != "" {
			p["description"] = a.Description
		}
		if a.Min != nil {
			p["minimum"] = *a.Min
		}
		if a.Max != nil {
			p["maximum"] = *a.Max
		}
		props[a.Name] = p
		if a.Required {
			required = append(required, a.Name)
		}
	}
	return Definition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        string(t.Name),
			Description: t.Description,
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           props,
				"required":             required,
				"additionalProperties": false,
			},
		},
	}
}
