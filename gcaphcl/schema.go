package gcaphcl

import "github.com/hashicorp/hcl/v2"

// fileRoot is used to decode every top-level block a model file may contain.
type fileRoot struct {
	Entities []*entityBlock  `hcl:"entity,block"`
	Services []*serviceBlock `hcl:"service,block"`
	Hooks    []*hookBlock    `hcl:"hook,block"`
}

type entityBlock struct {
	Name         string        `hcl:"name,label"`
	Key          []string      `hcl:"key"`
	Fields       []*fieldBlock `hcl:"field,block"`
	Associations []*linkBlock  `hcl:"association,block"`
	Compositions []*linkBlock  `hcl:"composition,block"`
}

type fieldBlock struct {
	Name     string `hcl:"name,label"`
	Type     string `hcl:"type"`
	Nullable bool   `hcl:"nullable,optional"`
	// Default stays an expression so it can be converted against the
	// declared type once the block is decoded.
	Default hcl.Expression `hcl:"default,optional"`
}

type linkBlock struct {
	Name        string            `hcl:"name,label"`
	Target      string            `hcl:"target"`
	Cardinality string            `hcl:"cardinality,optional"`
	On          map[string]string `hcl:"on"`
}

type serviceBlock struct {
	Name        string             `hcl:"name,label"`
	Path        string             `hcl:"path,optional"`
	Requires    []string           `hcl:"requires,optional"`
	Projections []*projectionBlock `hcl:"projection,block"`
	Actions     []*operationBlock  `hcl:"action,block"`
	Functions   []*operationBlock  `hcl:"function,block"`
}

type projectionBlock struct {
	Alias      string   `hcl:"alias,label"`
	Source     string   `hcl:"source,optional"`
	ReadOnly   bool     `hcl:"readonly,optional"`
	Insertable *bool    `hcl:"insertable,optional"`
	Updatable  *bool    `hcl:"updatable,optional"`
	Deletable  *bool    `hcl:"deletable,optional"`
	Requires   []string `hcl:"requires,optional"`
}

type operationBlock struct {
	Name     string        `hcl:"name,label"`
	Requires []string      `hcl:"requires,optional"`
	Params   []*paramBlock `hcl:"param,block"`
	Returns  *returnsBlock `hcl:"returns,block"`
}

type paramBlock struct {
	Name     string `hcl:"name,label"`
	Type     string `hcl:"type"`
	Optional bool   `hcl:"optional,optional"`
}

type returnsBlock struct {
	Type   string `hcl:"type,optional"`
	Entity string `hcl:"entity,optional"`
	Many   bool   `hcl:"many,optional"`
}

type hookBlock struct {
	Phase  string `hcl:"phase,label"`
	Event  string `hcl:"event,label"`
	Target string `hcl:"target,label"`
	Name   string `hcl:"name,optional"`
	Script string `hcl:"script"`
}
