package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/lemmego/gcap"
	"github.com/lemmego/gcap/gcaphcl"
	"github.com/lemmego/gcap/gcapjs"
	"github.com/lemmego/gcap/gcapmem"
	"github.com/spf13/cobra"
)

type checkReport struct {
	Files    []string        `json:"files"`
	Entities []entityReport  `json:"entities"`
	Services []serviceReport `json:"services"`
	Warnings []warningReport `json:"warnings"`
}

type entityReport struct {
	Name   string   `json:"name"`
	Keys   []string `json:"keys"`
	Fields []string `json:"fields"`
}

type serviceReport struct {
	Name    string         `json:"name"`
	Path    string         `json:"path"`
	Members []memberReport `json:"members"`
}

type memberReport struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type warningReport struct {
	Kind    string `json:"kind"`
	Service string `json:"service"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

func newCheckCommand() *cobra.Command {
	var (
		paths      []string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load a model and report its entities, services and warnings",
		Long: `Load every .hcl file under the given paths, compile the services and
start a runtime over the in-memory store. Script hooks count as handlers.

Examples:
  gcap check --model ./model
  gcap check --model books.hcl --model orders.hcl --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := check(cmd, paths)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&paths, "model", "m", nil, "Model files or directories (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func check(cmd *cobra.Command, paths []string) (*checkReport, error) {
	model, err := gcaphcl.Load(cmd.Context(), paths...)
	if err != nil {
		return nil, err
	}

	rt := gcap.NewRuntime(gcap.NewModelRegistry(), gcapmem.New())
	if err := rt.Use(model.Setup(), gcapjs.Setup(model.Hooks)); err != nil {
		return nil, err
	}
	if err := rt.Start(cmd.Context()); err != nil {
		return nil, err
	}
	defer rt.Close()

	report := &checkReport{Files: model.Files}
	for _, e := range rt.Models().Entities() {
		er := entityReport{Name: e.Name, Keys: e.Keys}
		for _, f := range e.Fields {
			er.Fields = append(er.Fields, f.Name)
		}
		report.Entities = append(report.Entities, er)
	}
	for _, surface := range rt.Models().Surfaces() {
		sr := serviceReport{Name: surface.Name, Path: surface.Path}
		for _, name := range surface.Members() {
			kind := string(gcap.TargetEntity)
			if op, ok := surface.Operation(name); ok {
				kind = string(op.Def.Kind)
			}
			sr.Members = append(sr.Members, memberReport{Name: name, Kind: kind})
		}
		report.Services = append(report.Services, sr)
	}
	for _, w := range rt.Warnings() {
		report.Warnings = append(report.Warnings, warningReport(w))
	}
	return report, nil
}

func printReport(w io.Writer, report *checkReport) {
	fmt.Fprintf(w, "Loaded %d file(s)\n", len(report.Files))

	fmt.Fprintf(w, "\nEntities (%d)\n", len(report.Entities))
	for _, e := range report.Entities {
		fmt.Fprintf(w, "  %s [%s] %s\n", e.Name, strings.Join(e.Keys, ", "), strings.Join(e.Fields, " "))
	}

	fmt.Fprintf(w, "\nServices (%d)\n", len(report.Services))
	for _, s := range report.Services {
		fmt.Fprintf(w, "  %s at %s\n", s.Name, s.Path)
		for _, m := range s.Members {
			fmt.Fprintf(w, "    %-10s %s\n", m.Kind, m.Name)
		}
	}

	if len(report.Warnings) == 0 {
		fmt.Fprintln(w, "\nNo warnings")
		return
	}
	fmt.Fprintf(w, "\nWarnings (%d)\n", len(report.Warnings))
	for _, warn := range report.Warnings {
		fmt.Fprintf(w, "  %s: %s.%s: %s\n", warn.Kind, warn.Service, warn.Target, warn.Message)
	}
}
